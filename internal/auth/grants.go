package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCapabilityCacheTTL = time.Minute

var (
	// ErrMissingGrantDatabase indicates the resolver was built without a database.
	ErrMissingGrantDatabase = errors.New("auth: grant database required")
	// ErrGrantLookupFailed indicates the grant query could not complete.
	ErrGrantLookupFailed = errors.New("auth: grant lookup failed")
)

// SubjectGrant stores a user's resolved capability for one subject.
type SubjectGrant struct {
	SubjectID  string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	UserID     string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Capability string `gorm:"column:capability;size:32;not null"`
	GrantedAtS int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SubjectGrant) TableName() string {
	return "subject_grants"
}

// CapabilityResolverConfig configures the grant-backed capability resolver.
type CapabilityResolverConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	CacheTTL time.Duration
}

// CapabilityResolver resolves (identity, subject) pairs to capabilities.
// Lookups are cached briefly so repeated joins do not re-query grants.
type CapabilityResolver struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  *gocache.Cache
}

// NewCapabilityResolver constructs a resolver with the provided configuration.
func NewCapabilityResolver(cfg CapabilityResolverConfig) (*CapabilityResolver, error) {
	if cfg.Database == nil {
		return nil, ErrMissingGrantDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCapabilityCacheTTL
	}
	return &CapabilityResolver{
		db:     cfg.Database,
		logger: logger,
		cache:  gocache.New(ttl, 2*ttl),
	}, nil
}

// Resolve returns the capability the identity holds on the subject.
// A user with no grant row resolves to CapabilityNone.
func (r *CapabilityResolver) Resolve(ctx context.Context, identity Identity, subjectID string) (Capability, error) {
	cacheKey := subjectID + "\x00" + identity.UserID
	if cached, ok := r.cache.Get(cacheKey); ok {
		if capability, ok := cached.(Capability); ok {
			return capability, nil
		}
	}

	var grant SubjectGrant
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND user_id = ?", subjectID, identity.UserID).
		Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.cache.Set(cacheKey, CapabilityNone, gocache.DefaultExpiration)
		return CapabilityNone, nil
	}
	if err != nil {
		r.logger.Warn("grant lookup failed",
			zap.String("subject_id", subjectID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		return CapabilityNone, fmt.Errorf("%w: %v", ErrGrantLookupFailed, err)
	}

	capability, err := NewCapability(grant.Capability)
	if err != nil {
		r.logger.Warn("grant row holds invalid capability",
			zap.String("subject_id", subjectID),
			zap.String("user_id", identity.UserID),
			zap.String("capability", grant.Capability))
		return CapabilityNone, err
	}
	r.cache.Set(cacheKey, capability, gocache.DefaultExpiration)
	return capability, nil
}

// Grant upserts a capability row for the identity on the subject.
func (r *CapabilityResolver) Grant(ctx context.Context, subjectID, userID string, capability Capability, grantedAt time.Time) error {
	grant := SubjectGrant{
		SubjectID:  subjectID,
		UserID:     userID,
		Capability: capability.String(),
		GrantedAtS: grantedAt.UTC().Unix(),
	}
	if err := r.db.WithContext(ctx).Save(&grant).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrGrantLookupFailed, err)
	}
	r.cache.Delete(subjectID + "\x00" + userID)
	return nil
}
