package history

import (
	"errors"
	"fmt"
	"strings"
)

// ChangeKind enumerates the record types in a subject's version log.
type ChangeKind string

const (
	// ChangeKindInitialCreate is the first record: the full initial content.
	ChangeKindInitialCreate ChangeKind = "initial_create"
	// ChangeKindDiff records a shallow diff against the previous snapshot.
	ChangeKindDiff ChangeKind = "diff"
	// ChangeKindFullSave records a wholesale content replacement.
	ChangeKindFullSave ChangeKind = "full_save"
)

var (
	// ErrInvalidChangeKind indicates an unrecognized change kind.
	ErrInvalidChangeKind = errors.New("history: invalid change kind")
	// ErrInvalidVersionNumber indicates a non-positive version number.
	ErrInvalidVersionNumber = errors.New("history: invalid version number")
	// ErrVersionNotFound indicates the requested version does not exist.
	ErrVersionNotFound = errors.New("history: version not found")
	// ErrCorruptVersionLog indicates a gapped or malformed version log.
	// Reconstruction refuses to return a partial result.
	ErrCorruptVersionLog = errors.New("history: corrupt version log")
	// ErrDuplicateContent indicates a save identical to the subject's
	// previous accepted save. Nothing is persisted.
	ErrDuplicateContent = errors.New("history: duplicate content, nothing to save")
	// ErrContentReuse indicates a save whose content hash matches another
	// subject. The save is rejected and flagged for manual review.
	ErrContentReuse = errors.New("history: content matches another subject, flagged for review")
)

// NewChangeKind validates raw input and returns a ChangeKind.
func NewChangeKind(rawInput string) (ChangeKind, error) {
	switch ChangeKind(strings.TrimSpace(rawInput)) {
	case ChangeKindInitialCreate:
		return ChangeKindInitialCreate, nil
	case ChangeKindDiff:
		return ChangeKindDiff, nil
	case ChangeKindFullSave:
		return ChangeKindFullSave, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChangeKind, rawInput)
}

// String returns the change kind as a string.
func (k ChangeKind) String() string {
	return string(k)
}

// VersionRecord is one immutable entry in a subject's append-only change log.
// Records are never mutated or deleted once written.
type VersionRecord struct {
	SubjectID     string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	VersionNumber int64  `gorm:"column:version_number;primaryKey;not null"`
	ChangeKind    string `gorm:"column:change_kind;size:32;not null"`
	PayloadJSON   string `gorm:"column:payload_json;type:text;not null"`
	AuthorID      string `gorm:"column:author_id;size:190;not null"`
	Comment       string `gorm:"column:comment;type:text;not null;default:''"`
	CreatedAtS    int64  `gorm:"column:created_at_s;not null"`
	DiffBytes     int64  `gorm:"column:diff_bytes;not null;default:0"`
	WordDelta     int64  `gorm:"column:word_delta;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "version_records"
}

// IntegrityRecord maps a content hash to the save that produced it. Used for
// duplicate and cross-subject reuse detection only; never versioned.
type IntegrityRecord struct {
	ContentHash   string `gorm:"column:content_hash;primaryKey;size:64;not null"`
	SubjectID     string `gorm:"column:subject_id;size:190;not null;index:idx_integrity_subject"`
	VersionNumber int64  `gorm:"column:version_number;not null"`
	ParentHash    string `gorm:"column:parent_hash;size:64;not null;default:''"`
	CreatedAtS    int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IntegrityRecord) TableName() string {
	return "integrity_records"
}
