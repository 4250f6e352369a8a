package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestAdapter(t *testing.T) *GormAdapter {
	t.Helper()
	dsn := fmt.Sprintf("file:storage_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&DocumentState{}, &LegacyDocument{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	adapter, err := NewGormAdapter(db, func() time.Time { return time.Unix(1700000000, 0) })
	if err != nil {
		t.Fatalf("unexpected adapter construction error: %v", err)
	}
	return adapter
}

func TestStoreThenLoadRoundTrip(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()
	state := []byte(`{"fields":{"title":{"value":"X","edit_seq":1}}}`)

	if err := adapter.Store(ctx, "proposal-1", "aims", state, []byte(`{"title":"X"}`)); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	loaded, err := adapter.Load(ctx, "proposal-1", "aims")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if string(loaded) != string(state) {
		t.Fatalf("round trip mismatch: got %s", loaded)
	}
}

func TestStoreUpsertsExistingKey(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	if err := adapter.Store(ctx, "proposal-1", "aims", []byte("first"), []byte(`{}`)); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if err := adapter.Store(ctx, "proposal-1", "aims", []byte("second"), []byte(`{}`)); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	loaded, err := adapter.Load(ctx, "proposal-1", "aims")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if string(loaded) != "second" {
		t.Fatalf("expected the latest state, got %s", loaded)
	}
}

func TestLoadUnknownKeyReturnsStateNotFound(t *testing.T) {
	adapter := newTestAdapter(t)

	_, err := adapter.Load(context.Background(), "proposal-unknown", "aims")
	if !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestDocumentsAreIsolatedPerFormID(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	if err := adapter.Store(ctx, "proposal-1", "aims", []byte("aims-state"), []byte(`{}`)); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if err := adapter.Store(ctx, "proposal-1", "budget", []byte("budget-state"), []byte(`{}`)); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	aims, err := adapter.Load(ctx, "proposal-1", "aims")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if string(aims) != "aims-state" {
		t.Fatalf("form documents must not collide, got %s", aims)
	}
}

func TestLoadLegacySnapshot(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	if _, err := adapter.LoadLegacySnapshot(ctx, "proposal-1", "aims"); !errors.Is(err, ErrLegacySnapshotNotFound) {
		t.Fatalf("expected ErrLegacySnapshotNotFound, got %v", err)
	}

	legacy := LegacyDocument{
		SubjectID:   "proposal-1",
		FormID:      "aims",
		ContentJSON: `{"title":"pre-collaboration"}`,
		UpdatedAtS:  1600000000,
	}
	if err := adapter.db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy document: %v", err)
	}

	content, err := adapter.LoadLegacySnapshot(ctx, "proposal-1", "aims")
	if err != nil {
		t.Fatalf("unexpected legacy load error: %v", err)
	}
	if string(content) != legacy.ContentJSON {
		t.Fatalf("unexpected legacy content: %s", content)
	}
}
