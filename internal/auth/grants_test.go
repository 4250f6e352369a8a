package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openGrantDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:grants_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SubjectGrant{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestResolver(t *testing.T, db *gorm.DB, ttl time.Duration) *CapabilityResolver {
	t.Helper()
	resolver, err := NewCapabilityResolver(CapabilityResolverConfig{
		Database: db,
		CacheTTL: ttl,
	})
	if err != nil {
		t.Fatalf("unexpected resolver construction error: %v", err)
	}
	return resolver
}

func TestResolveReturnsGrantedCapability(t *testing.T) {
	db := openGrantDatabase(t)
	resolver := newTestResolver(t, db, time.Minute)
	ctx := context.Background()

	if err := resolver.Grant(ctx, "proposal-1", "user-1", CapabilityEdit, time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}

	capability, err := resolver.Resolve(ctx, Identity{UserID: "user-1"}, "proposal-1")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if capability != CapabilityEdit {
		t.Fatalf("expected edit capability, got %s", capability)
	}
}

func TestResolveDefaultsToNoneWithoutGrant(t *testing.T) {
	resolver := newTestResolver(t, openGrantDatabase(t), time.Minute)

	capability, err := resolver.Resolve(context.Background(), Identity{UserID: "stranger"}, "proposal-1")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if capability != CapabilityNone {
		t.Fatalf("expected none capability, got %s", capability)
	}
}

func TestGrantInvalidatesCachedCapability(t *testing.T) {
	db := openGrantDatabase(t)
	resolver := newTestResolver(t, db, time.Hour)
	ctx := context.Background()

	if err := resolver.Grant(ctx, "proposal-1", "user-1", CapabilityView, time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	capability, err := resolver.Resolve(ctx, Identity{UserID: "user-1"}, "proposal-1")
	if err != nil || capability != CapabilityView {
		t.Fatalf("expected cached view capability, got %s (%v)", capability, err)
	}

	if err := resolver.Grant(ctx, "proposal-1", "user-1", CapabilityEdit, time.Unix(1700000100, 0)); err != nil {
		t.Fatalf("unexpected regrant error: %v", err)
	}
	capability, err = resolver.Resolve(ctx, Identity{UserID: "user-1"}, "proposal-1")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if capability != CapabilityEdit {
		t.Fatalf("expected the upgraded capability after regrant, got %s", capability)
	}
}

func TestGrantsAreScopedPerSubject(t *testing.T) {
	db := openGrantDatabase(t)
	resolver := newTestResolver(t, db, time.Minute)
	ctx := context.Background()

	if err := resolver.Grant(ctx, "proposal-1", "user-1", CapabilityEdit, time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}

	capability, err := resolver.Resolve(ctx, Identity{UserID: "user-1"}, "proposal-2")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if capability != CapabilityNone {
		t.Fatalf("grant must not leak across subjects, got %s", capability)
	}
}
