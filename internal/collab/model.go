package collab

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSubjectID indicates that a subject identifier is empty or exceeds storage bounds.
	ErrInvalidSubjectID = errors.New("collab: invalid subject id")
	// ErrInvalidFormID indicates that a form identifier is empty or exceeds storage bounds.
	ErrInvalidFormID = errors.New("collab: invalid form id")
)

// SubjectID represents a validated proposal subject identifier.
type SubjectID string

// NewSubjectID validates raw input and returns a SubjectID.
func NewSubjectID(rawInput string) (SubjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubjectID, maxIdentifierLength)
	}
	return SubjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SubjectID) String() string {
	return string(id)
}

// FormID represents a validated proposal form identifier.
type FormID string

// NewFormID validates raw input and returns a FormID.
func NewFormID(rawInput string) (FormID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFormID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFormID, maxIdentifierLength)
	}
	return FormID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FormID) String() string {
	return string(id)
}

// DocumentKey identifies one live collaborative document.
type DocumentKey struct {
	subjectID SubjectID
	formID    FormID
}

// NewDocumentKey builds a DocumentKey from validated identifiers.
func NewDocumentKey(subjectID SubjectID, formID FormID) DocumentKey {
	return DocumentKey{subjectID: subjectID, formID: formID}
}

// SubjectID returns the key's subject identifier.
func (k DocumentKey) SubjectID() SubjectID {
	return k.subjectID
}

// FormID returns the key's form identifier.
func (k DocumentKey) FormID() FormID {
	return k.formID
}

// String renders the key for logging.
func (k DocumentKey) String() string {
	return string(k.subjectID) + "/" + string(k.formID)
}
