package participants

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:participants_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Participant{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("unexpected service construction error: %v", err)
	}
	return service
}

func TestRecordSightingCreatesProfile(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	err := service.RecordSighting(ctx, auth.Identity{UserID: "user-1", DisplayName: "Dana", Email: "dana@example.edu"})
	if err != nil {
		t.Fatalf("unexpected sighting error: %v", err)
	}

	if got := service.DisplayName(ctx, "user-1"); got != "Dana" {
		t.Fatalf("unexpected display name: %s", got)
	}
}

func TestRecordSightingUpdatesChangedProfile(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.RecordSighting(ctx, auth.Identity{UserID: "user-1", DisplayName: "Dana"}); err != nil {
		t.Fatalf("unexpected sighting error: %v", err)
	}
	if err := service.RecordSighting(ctx, auth.Identity{UserID: "user-1", DisplayName: "Dana Q."}); err != nil {
		t.Fatalf("unexpected second sighting error: %v", err)
	}

	if got := service.DisplayName(ctx, "user-1"); got != "Dana Q." {
		t.Fatalf("expected the refreshed display name, got %s", got)
	}
}

func TestRecordSightingRejectsEmptyIdentity(t *testing.T) {
	service := newTestService(t)

	err := service.RecordSighting(context.Background(), auth.Identity{UserID: "   "})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDisplayNameFallsBackToUserID(t *testing.T) {
	service := newTestService(t)

	if got := service.DisplayName(context.Background(), "never-seen"); got != "never-seen" {
		t.Fatalf("expected user id fallback, got %s", got)
	}
}
