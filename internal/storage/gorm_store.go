package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentState stores one collaborative document's opaque byte-state and
// its derived JSON snapshot.
type DocumentState struct {
	SubjectID    string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	FormID       string `gorm:"column:form_id;primaryKey;size:190;not null"`
	StateB64     string `gorm:"column:state_b64;type:text;not null"`
	SnapshotJSON string `gorm:"column:snapshot_json;type:text;not null"`
	UpdatedAtS   int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentState) TableName() string {
	return "document_states"
}

// LegacyDocument holds flat form content written before the collaborative
// engine existed. Read-only here; migrated into DocumentState on first join.
type LegacyDocument struct {
	SubjectID   string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	FormID      string `gorm:"column:form_id;primaryKey;size:190;not null"`
	ContentJSON string `gorm:"column:content_json;type:text;not null"`
	UpdatedAtS  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LegacyDocument) TableName() string {
	return "legacy_documents"
}

// GormAdapter implements Adapter on a GORM database handle.
type GormAdapter struct {
	db    *gorm.DB
	clock func() time.Time
}

var _ Adapter = (*GormAdapter)(nil)

// NewGormAdapter constructs an adapter over the provided database.
func NewGormAdapter(db *gorm.DB, clock func() time.Time) (*GormAdapter, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle required", ErrUnavailable)
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormAdapter{db: db, clock: clock}, nil
}

// Load returns the persisted byte-state for the key.
func (a *GormAdapter) Load(ctx context.Context, subjectID, formID string) ([]byte, error) {
	var state DocumentState
	err := a.db.WithContext(ctx).
		Where("subject_id = ? AND form_id = ?", subjectID, formID).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrStateNotFound, subjectID, formID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	decoded, decodeErr := base64.StdEncoding.DecodeString(state.StateB64)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: undecodable state for %s/%s: %v", ErrUnavailable, subjectID, formID, decodeErr)
	}
	return decoded, nil
}

// Store upserts the byte-state and snapshot for the key.
func (a *GormAdapter) Store(ctx context.Context, subjectID, formID string, byteState, snapshotJSON []byte) error {
	record := DocumentState{
		SubjectID:    subjectID,
		FormID:       formID,
		StateB64:     base64.StdEncoding.EncodeToString(byteState),
		SnapshotJSON: string(snapshotJSON),
		UpdatedAtS:   a.clock().UTC().Unix(),
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}, {Name: "form_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_b64", "snapshot_json", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadLegacySnapshot returns the flat content JSON for a pre-collaboration key.
func (a *GormAdapter) LoadLegacySnapshot(ctx context.Context, subjectID, formID string) ([]byte, error) {
	var legacy LegacyDocument
	err := a.db.WithContext(ctx).
		Where("subject_id = ? AND form_id = ?", subjectID, formID).
		Take(&legacy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrLegacySnapshotNotFound, subjectID, formID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return []byte(legacy.ContentJSON), nil
}
