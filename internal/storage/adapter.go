package storage

import (
	"context"
	"errors"
)

var (
	// ErrStateNotFound indicates no byte-state exists for the key.
	ErrStateNotFound = errors.New("storage: document state not found")
	// ErrLegacySnapshotNotFound indicates no legacy flat snapshot exists for the key.
	ErrLegacySnapshotNotFound = errors.New("storage: legacy snapshot not found")
	// ErrUnavailable indicates the durable store could not complete the
	// request. Callers decide retry policy; live edits are never rolled back.
	ErrUnavailable = errors.New("storage: store unavailable")
)

// Adapter translates between the session manager's byte-state and the
// durable store. It carries no business logic; failures surface as the typed
// errors above.
type Adapter interface {
	// Load returns the persisted byte-state for the key, or ErrStateNotFound.
	Load(ctx context.Context, subjectID, formID string) ([]byte, error)
	// Store persists the byte-state together with the derived JSON snapshot.
	Store(ctx context.Context, subjectID, formID string, byteState, snapshotJSON []byte) error
	// LoadLegacySnapshot returns the flat content a pre-collaboration
	// deployment stored for the key, or ErrLegacySnapshotNotFound. Used once
	// per key, on first join, to seed the mergeable document.
	LoadLegacySnapshot(ctx context.Context, subjectID, formID string) ([]byte, error)
}
