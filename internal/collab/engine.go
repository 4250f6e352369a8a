package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
)

// OperationKind enumerates the operation types the channel accepts.
type OperationKind string

const (
	// OperationKindSet writes a content field.
	OperationKindSet OperationKind = "set"
	// OperationKindUnset removes a content field.
	OperationKindUnset OperationKind = "unset"
	// OperationKindSuggest records a proposed field value without changing content.
	OperationKindSuggest OperationKind = "suggest"
	// OperationKindThread writes a discussion-thread entry.
	OperationKindThread OperationKind = "thread"
)

var (
	// ErrInvalidOperation indicates a malformed operation payload.
	ErrInvalidOperation = errors.New("collab: invalid operation")
	// ErrInvalidUpdate indicates a malformed remote update payload.
	ErrInvalidUpdate = errors.New("collab: invalid update")
	// ErrInvalidState indicates a malformed encoded document state.
	ErrInvalidState = errors.New("collab: invalid document state")
)

// Operation is the decoded envelope of one client operation. The manager
// inspects only the kind for capability filtering; everything else belongs
// to the merge engine.
type Operation struct {
	Kind        OperationKind   `json:"kind"`
	Field       string          `json:"field"`
	Value       json.RawMessage `json:"value,omitempty"`
	EditSeq     int64           `json:"edit_seq"`
	ClientTimeS int64           `json:"client_time_s"`
	Actor       string          `json:"actor"`
}

// DecodeOperation parses and validates an operation frame.
func DecodeOperation(opBytes []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(opBytes, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	switch op.Kind {
	case OperationKindSet, OperationKindSuggest:
		if len(op.Value) == 0 {
			return Operation{}, fmt.Errorf("%w: %s requires a value", ErrInvalidOperation, op.Kind)
		}
	case OperationKindUnset:
	case OperationKindThread:
		if len(op.Value) == 0 {
			return Operation{}, fmt.Errorf("%w: thread entry requires a value", ErrInvalidOperation)
		}
	default:
		return Operation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Field == "" {
		return Operation{}, fmt.Errorf("%w: field required", ErrInvalidOperation)
	}
	if op.EditSeq < 0 {
		return Operation{}, fmt.Errorf("%w: negative edit sequence", ErrInvalidOperation)
	}
	return op, nil
}

// RequiredCapability returns the minimum capability an operation kind demands.
func (k OperationKind) RequiredCapability() auth.Capability {
	switch k {
	case OperationKindSet, OperationKindUnset:
		return auth.CapabilityEdit
	case OperationKindSuggest, OperationKindThread:
		return auth.CapabilitySuggest
	}
	return auth.CapabilityEdit
}

// Allowed reports whether the capability may submit this operation kind.
func (k OperationKind) Allowed(capability auth.Capability) bool {
	switch k.RequiredCapability() {
	case auth.CapabilitySuggest:
		return capability.AllowsSuggest()
	default:
		return capability.AllowsEdit()
	}
}

// MergeEngine is the narrow contract the session manager holds on the
// conflict-free document structure. Implementations must converge: any two
// engines that apply the same set of updates, in any interleaving, reach the
// same state.
type MergeEngine interface {
	// ApplyLocal applies a client operation and returns the update frame to
	// fan out to co-present sessions.
	ApplyLocal(opBytes []byte) ([]byte, error)
	// ApplyRemote applies an update produced by another session's ApplyLocal.
	ApplyRemote(update []byte) error
	// EncodeState serializes the full engine state for persistence.
	EncodeState() ([]byte, error)
	// Snapshot derives the structured content view for downstream consumers.
	Snapshot() (map[string]json.RawMessage, error)
}

// EngineFactory builds merge engines from the three possible starting points.
type EngineFactory interface {
	New() MergeEngine
	FromState(state []byte) (MergeEngine, error)
	FromSnapshot(snapshot map[string]json.RawMessage) (MergeEngine, error)
}
