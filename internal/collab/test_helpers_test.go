package collab

import (
	"encoding/json"
	"testing"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
)

func mustDocumentKey(t *testing.T, subject, form string) DocumentKey {
	t.Helper()
	subjectID, err := NewSubjectID(subject)
	if err != nil {
		t.Fatalf("unexpected subject id error: %v", err)
	}
	formID, err := NewFormID(form)
	if err != nil {
		t.Fatalf("unexpected form id error: %v", err)
	}
	return NewDocumentKey(subjectID, formID)
}

func mustOperationBytes(t *testing.T, op Operation) []byte {
	t.Helper()
	encoded, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	return encoded
}

func setOperation(t *testing.T, field, value string, editSeq, clientTimeS int64, actor string) []byte {
	t.Helper()
	return mustOperationBytes(t, Operation{
		Kind:        OperationKindSet,
		Field:       field,
		Value:       json.RawMessage(value),
		EditSeq:     editSeq,
		ClientTimeS: clientTimeS,
		Actor:       actor,
	})
}

func testIdentity(userID, displayName string) auth.Identity {
	return auth.Identity{
		UserID:      userID,
		DisplayName: displayName,
		Email:       userID + "@example.edu",
	}
}

func snapshotField(t *testing.T, engine MergeEngine, field string) string {
	t.Helper()
	snapshot, err := engine.Snapshot()
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	value, ok := snapshot[field]
	if !ok {
		return ""
	}
	return string(value)
}
