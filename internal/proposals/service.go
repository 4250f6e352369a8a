package proposals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arcadia-research/colloquy/backend/internal/history"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew    = "proposals.service.new"
	opCreate        = "proposals.create"
	opCreateDraft   = "proposals.create_draft"
	opPromoteDraft  = "proposals.promote_draft"
	opCurrentStatus = "proposals.current"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonEncodeFailed    = "encode_failed"

	fieldProposalID = "proposal_id"
)

// ServiceError carries an operation-scoped failure code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Recorder is the slice of the history engine draft promotion invokes to
// commit the promoted content as a full_save version record.
type Recorder interface {
	CommitFull(ctx context.Context, subjectID string, snapshot map[string]json.RawMessage, authorID, comment string) (history.CommitOutcome, error)
}

// ServiceConfig configures the proposal draft service.
type ServiceConfig struct {
	Database *gorm.DB
	Recorder Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages proposal-level major versions and the single draft slot.
type Service struct {
	db       *gorm.DB
	recorder Recorder
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the service with the provided configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		recorder: cfg.Recorder,
		clock:    clock,
		logger:   logger,
	}, nil
}

func (s *Service) logError(operation, reason string, cause error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause),
	}, fields...)
	s.logger.Error("proposal operation failed", allFields...)
}

// Create registers a proposal so it can hold drafts and grants.
func (s *Service) Create(ctx context.Context, proposalID ProposalID, status Status) (Proposal, error) {
	now := s.clock().UTC().Unix()
	record := Proposal{
		ProposalID:   proposalID.String(),
		Status:       string(status),
		CurrentMajor: 0,
		CreatedAtS:   now,
		UpdatedAtS:   now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err, zap.String(fieldProposalID, proposalID.String()))
		return Proposal{}, newServiceError(opCreate, reasonInsertFailed, err)
	}
	return record, nil
}

// Exists reports whether the proposal is registered.
func (s *Service) Exists(ctx context.Context, proposalID ProposalID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Proposal{}).
		Where("proposal_id = ?", proposalID.String()).
		Count(&count).Error
	if err != nil {
		s.logError(opCurrentStatus, reasonQueryFailed, err, zap.String(fieldProposalID, proposalID.String()))
		return false, newServiceError(opCurrentStatus, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// CurrentVersion returns the proposal's committed major version and whether
// a draft is in progress.
func (s *Service) CurrentVersion(ctx context.Context, proposalID ProposalID) (Version, error) {
	proposal, err := s.loadProposal(ctx, s.db, proposalID)
	if err != nil {
		return Version{}, err
	}
	var draftCount int64
	if err := s.db.WithContext(ctx).Model(&DraftVersion{}).
		Where("proposal_id = ?", proposalID.String()).
		Count(&draftCount).Error; err != nil {
		s.logError(opCurrentStatus, reasonQueryFailed, err, zap.String(fieldProposalID, proposalID.String()))
		return Version{}, newServiceError(opCurrentStatus, reasonQueryFailed, err)
	}
	return Version{Major: proposal.CurrentMajor, Draft: draftCount > 0}, nil
}

// CreateDraft opens the proposal's draft slot with the provided base
// content. At most one draft exists per proposal; a terminally rejected
// proposal may not acquire one.
func (s *Service) CreateDraft(ctx context.Context, proposalID ProposalID, baseContent json.RawMessage, authorID string) (Version, error) {
	var version Version
	transactionErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proposal, err := s.loadProposal(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if Status(proposal.Status) == StatusRejected {
			return fmt.Errorf("%w: %s", ErrProposalRejected, proposalID)
		}

		var existing DraftVersion
		err = tx.Where("proposal_id = ?", proposalID.String()).Take(&existing).Error
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDraftExists, proposalID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateDraft, reasonQueryFailed, err)
		}

		content := baseContent
		if len(content) == 0 {
			content = json.RawMessage("{}")
		}
		if !json.Valid(content) {
			return newServiceError(opCreateDraft, reasonEncodeFailed, fmt.Errorf("base content is not valid json"))
		}

		draft := DraftVersion{
			ProposalID:  proposalID.String(),
			BaseMajor:   proposal.CurrentMajor,
			ContentJSON: string(content),
			AuthorID:    authorID,
			CreatedAtS:  s.clock().UTC().Unix(),
		}
		if insertErr := tx.Create(&draft).Error; insertErr != nil {
			return newServiceError(opCreateDraft, reasonInsertFailed, insertErr)
		}
		version = Version{Major: proposal.CurrentMajor, Draft: true}
		return nil
	})
	if transactionErr != nil {
		return Version{}, transactionErr
	}
	return version, nil
}

// PromoteDraft commits the draft as major version N+1, clears the draft
// slot, and records the promoted content as a full_save in the subject's
// version history.
func (s *Service) PromoteDraft(ctx context.Context, proposalID ProposalID, commitMessage, authorID string) (Version, error) {
	var promoted MajorVersion
	transactionErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proposal, err := s.loadProposal(ctx, tx, proposalID)
		if err != nil {
			return err
		}

		var draft DraftVersion
		err = tx.Where("proposal_id = ?", proposalID.String()).Take(&draft).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDraftNotFound, proposalID)
		}
		if err != nil {
			return newServiceError(opPromoteDraft, reasonQueryFailed, err)
		}

		promoted = MajorVersion{
			ProposalID:    proposalID.String(),
			Major:         proposal.CurrentMajor + 1,
			ContentJSON:   draft.ContentJSON,
			CommitMessage: commitMessage,
			AuthorID:      authorID,
			CreatedAtS:    s.clock().UTC().Unix(),
		}
		if insertErr := tx.Create(&promoted).Error; insertErr != nil {
			return newServiceError(opPromoteDraft, reasonInsertFailed, insertErr)
		}
		if deleteErr := tx.Delete(&DraftVersion{}, "proposal_id = ?", proposalID.String()).Error; deleteErr != nil {
			return newServiceError(opPromoteDraft, reasonInsertFailed, deleteErr)
		}
		updates := map[string]interface{}{
			"current_major": promoted.Major,
			"updated_at_s":  s.clock().UTC().Unix(),
		}
		if updateErr := tx.Model(&Proposal{}).
			Where("proposal_id = ?", proposalID.String()).
			Updates(updates).Error; updateErr != nil {
			return newServiceError(opPromoteDraft, reasonInsertFailed, updateErr)
		}
		return nil
	})
	if transactionErr != nil {
		return Version{}, transactionErr
	}

	if s.recorder != nil {
		snapshot := make(map[string]json.RawMessage)
		if err := json.Unmarshal([]byte(promoted.ContentJSON), &snapshot); err != nil {
			s.logError(opPromoteDraft, reasonEncodeFailed, err, zap.String(fieldProposalID, proposalID.String()))
		} else if _, commitErr := s.recorder.CommitFull(ctx, proposalID.String(), snapshot, authorID, commitMessage); commitErr != nil &&
			!errors.Is(commitErr, history.ErrDuplicateContent) {
			s.logError(opPromoteDraft, "history_commit_failed", commitErr, zap.String(fieldProposalID, proposalID.String()))
		}
	}

	return Version{Major: promoted.Major}, nil
}

func (s *Service) loadProposal(ctx context.Context, tx *gorm.DB, proposalID ProposalID) (Proposal, error) {
	var proposal Proposal
	err := tx.WithContext(ctx).
		Where("proposal_id = ?", proposalID.String()).
		Take(&proposal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if err != nil {
		s.logError(opCurrentStatus, reasonQueryFailed, err, zap.String(fieldProposalID, proposalID.String()))
		return Proposal{}, newServiceError(opCurrentStatus, reasonQueryFailed, err)
	}
	return proposal, nil
}
