package proposals

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Status enumerates the review states a proposal can occupy.
type Status string

const (
	// StatusActive accepts new drafts and promotions.
	StatusActive Status = "active"
	// StatusUnderReview accepts new drafts and promotions.
	StatusUnderReview Status = "under_review"
	// StatusAccepted is terminal but may still acquire revision drafts.
	StatusAccepted Status = "accepted"
	// StatusRejected is terminal; no new draft may be created.
	StatusRejected Status = "rejected"
)

var (
	// ErrInvalidProposalID indicates an empty or oversized proposal identifier.
	ErrInvalidProposalID = errors.New("proposals: invalid proposal id")
	// ErrProposalNotFound indicates an unknown proposal.
	ErrProposalNotFound = errors.New("proposals: proposal not found")
	// ErrProposalRejected indicates a terminal rejected proposal cannot
	// acquire a new draft.
	ErrProposalRejected = errors.New("proposals: proposal is rejected")
	// ErrDraftExists indicates the proposal already holds its one draft slot.
	ErrDraftExists = errors.New("proposals: draft already exists")
	// ErrDraftNotFound indicates promotion was requested with no draft present.
	ErrDraftNotFound = errors.New("proposals: no draft to promote")
)

const maxIdentifierLength = 190

// ProposalID represents a validated proposal identifier.
type ProposalID string

// NewProposalID validates raw input and returns a ProposalID.
func NewProposalID(rawInput string) (ProposalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProposalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProposalID, maxIdentifierLength)
	}
	return ProposalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProposalID) String() string {
	return string(id)
}

// Version identifies committed or in-progress proposal content. Committed
// content lives at integer major versions; an uncommitted draft is the
// fractional slot attached to its base major. Represented as a tagged value
// rather than a float so comparison stays exact.
type Version struct {
	Major int64
	Draft bool
}

// String renders the version the way reviewers see it: "3" or "3.1".
func (v Version) String() string {
	if v.Draft {
		return strconv.FormatInt(v.Major, 10) + ".1"
	}
	return strconv.FormatInt(v.Major, 10)
}

// Proposal is the proposal-level record tracked by the draft service. The
// wider review state machine lives in the portal; only the fields the
// collaboration core needs are stored here.
type Proposal struct {
	ProposalID   string `gorm:"column:proposal_id;primaryKey;size:190;not null"`
	Status       string `gorm:"column:status;size:32;not null;default:'active'"`
	CurrentMajor int64  `gorm:"column:current_major;not null;default:0"`
	CreatedAtS   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtS   int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Proposal) TableName() string {
	return "proposals"
}

// MajorVersion stores one committed content revision.
type MajorVersion struct {
	ProposalID    string `gorm:"column:proposal_id;primaryKey;size:190;not null"`
	Major         int64  `gorm:"column:major;primaryKey;not null"`
	ContentJSON   string `gorm:"column:content_json;type:text;not null"`
	CommitMessage string `gorm:"column:commit_message;type:text;not null;default:''"`
	AuthorID      string `gorm:"column:author_id;size:190;not null"`
	CreatedAtS    int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MajorVersion) TableName() string {
	return "proposal_major_versions"
}

// DraftVersion is the proposal's single in-progress draft slot. The primary
// key on proposal_id enforces at most one draft per proposal.
type DraftVersion struct {
	ProposalID  string `gorm:"column:proposal_id;primaryKey;size:190;not null"`
	BaseMajor   int64  `gorm:"column:base_major;not null"`
	ContentJSON string `gorm:"column:content_json;type:text;not null"`
	AuthorID    string `gorm:"column:author_id;size:190;not null"`
	CreatedAtS  int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DraftVersion) TableName() string {
	return "proposal_draft_versions"
}
