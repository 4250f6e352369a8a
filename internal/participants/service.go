package participants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
)

// ErrInvalidIdentity indicates the identity carried no usable identifier.
var ErrInvalidIdentity = errors.New("participants: invalid identity")

// ServiceConfig describes the dependencies required for profile tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records collaborator sightings and answers display-name lookups.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the participant service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("participants: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// RecordSighting upserts the collaborator profile for the identity. Repeated
// sightings refresh last_seen_s and pick up profile changes from the token.
func (s *Service) RecordSighting(ctx context.Context, identity auth.Identity) error {
	userID := normalize(identity.UserID)
	if userID == "" {
		return ErrInvalidIdentity
	}

	nowS := s.now().UTC().Unix()

	var existing Participant
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&existing).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		participant := Participant{
			UserID:      userID,
			DisplayName: normalize(identity.DisplayName),
			Email:       normalize(identity.Email),
			FirstSeenS:  nowS,
			LastSeenS:   nowS,
		}
		if err := s.db.WithContext(ctx).Create(&participant).Error; err != nil {
			return err
		}
		s.cache.Store(userID, participant.DisplayName)
		return nil
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"last_seen_s": nowS}
	if display := normalize(identity.DisplayName); display != "" && display != existing.DisplayName {
		updates["display_name"] = display
	}
	if email := normalize(identity.Email); email != "" && email != existing.Email {
		updates["email"] = email
	}
	if err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("user_id = ?", userID).
		Updates(updates).
		Error; err != nil {
		return err
	}

	display := existing.DisplayName
	if updated, ok := updates["display_name"].(string); ok {
		display = updated
	}
	s.cache.Store(userID, display)
	return nil
}

// DisplayName resolves a collaborator display name, falling back to the user
// id when the collaborator has never been seen.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	userID = normalize(userID)
	if userID == "" {
		return ""
	}

	if cached, ok := s.cache.Load(userID); ok {
		if display, ok := cached.(string); ok && display != "" {
			return display
		}
	}

	var participant Participant
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&participant).
		Error
	if err != nil {
		return userID
	}
	if participant.DisplayName == "" {
		return userID
	}
	s.cache.Store(userID, participant.DisplayName)
	return participant.DisplayName
}
