package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// fieldEntry is one last-writer-wins register inside the field map.
type fieldEntry struct {
	Value       json.RawMessage `json:"value,omitempty"`
	EditSeq     int64           `json:"edit_seq"`
	ClientTimeS int64           `json:"client_time_s"`
	Actor       string          `json:"actor"`
	Deleted     bool            `json:"deleted,omitempty"`
}

// fieldMapState is the serialized form of the engine.
type fieldMapState struct {
	Fields      map[string]fieldEntry            `json:"fields"`
	Suggestions map[string]map[string]fieldEntry `json:"suggestions,omitempty"`
	Threads     map[string]fieldEntry            `json:"threads,omitempty"`
}

// FieldMapEngine is the default MergeEngine: a keyed map of last-writer-wins
// registers. An incoming write for a key is accepted when its edit sequence
// exceeds the stored one, rejected when lower, and tie-broken by client
// timestamp (accepting on a full tie). The rule depends only on the stored
// entry and the incoming operation, so replicas that see the same updates
// converge regardless of arrival order. Deleted fields keep a tombstone so a
// stale write cannot resurrect them.
type FieldMapEngine struct {
	mu    sync.Mutex
	state fieldMapState
}

var _ MergeEngine = (*FieldMapEngine)(nil)

func newFieldMapState() fieldMapState {
	return fieldMapState{
		Fields:      make(map[string]fieldEntry),
		Suggestions: make(map[string]map[string]fieldEntry),
		Threads:     make(map[string]fieldEntry),
	}
}

// NewFieldMapEngine returns an empty engine.
func NewFieldMapEngine() *FieldMapEngine {
	return &FieldMapEngine{state: newFieldMapState()}
}

// FieldMapEngineFromState rebuilds an engine from its encoded state.
func FieldMapEngineFromState(encoded []byte) (*FieldMapEngine, error) {
	state := newFieldMapState()
	if err := json.Unmarshal(encoded, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if state.Fields == nil {
		state.Fields = make(map[string]fieldEntry)
	}
	if state.Suggestions == nil {
		state.Suggestions = make(map[string]map[string]fieldEntry)
	}
	if state.Threads == nil {
		state.Threads = make(map[string]fieldEntry)
	}
	return &FieldMapEngine{state: state}, nil
}

// FieldMapEngineFromSnapshot seeds an engine from a flat content snapshot.
// Every field starts at edit sequence zero so any real edit supersedes it.
func FieldMapEngineFromSnapshot(snapshot map[string]json.RawMessage) (*FieldMapEngine, error) {
	engine := NewFieldMapEngine()
	for field, value := range snapshot {
		compacted, err := compactJSON(value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidState, field, err)
		}
		engine.state.Fields[field] = fieldEntry{Value: compacted}
	}
	return engine, nil
}

// ApplyLocal validates, applies, and returns the normalized update frame.
func (e *FieldMapEngine) ApplyLocal(opBytes []byte) ([]byte, error) {
	op, err := DecodeOperation(opBytes)
	if err != nil {
		return nil, err
	}
	if len(op.Value) > 0 {
		compacted, compactErr := compactJSON(op.Value)
		if compactErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, compactErr)
		}
		op.Value = compacted
	}

	e.mu.Lock()
	e.merge(op)
	e.mu.Unlock()

	update, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	return update, nil
}

// ApplyRemote applies an update frame produced by another engine.
func (e *FieldMapEngine) ApplyRemote(update []byte) error {
	op, err := DecodeOperation(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	e.mu.Lock()
	e.merge(op)
	e.mu.Unlock()
	return nil
}

// merge applies the acceptance rule for one operation. Caller holds e.mu.
func (e *FieldMapEngine) merge(op Operation) {
	incoming := fieldEntry{
		Value:       op.Value,
		EditSeq:     op.EditSeq,
		ClientTimeS: op.ClientTimeS,
		Actor:       op.Actor,
		Deleted:     op.Kind == OperationKindUnset,
	}

	switch op.Kind {
	case OperationKindSet, OperationKindUnset:
		stored, exists := e.state.Fields[op.Field]
		if !exists || accepts(stored, incoming) {
			if incoming.Deleted {
				incoming.Value = nil
			}
			e.state.Fields[op.Field] = incoming
		}
	case OperationKindSuggest:
		byActor, exists := e.state.Suggestions[op.Field]
		if !exists {
			byActor = make(map[string]fieldEntry)
			e.state.Suggestions[op.Field] = byActor
		}
		stored, exists := byActor[op.Actor]
		if !exists || accepts(stored, incoming) {
			byActor[op.Actor] = incoming
		}
	case OperationKindThread:
		stored, exists := e.state.Threads[op.Field]
		if !exists || accepts(stored, incoming) {
			e.state.Threads[op.Field] = incoming
		}
	}
}

// accepts decides whether the incoming register write supersedes the stored
// one: higher edit sequence wins, ties fall back to client time, and a full
// tie accepts so replays are idempotent in effect.
func accepts(stored, incoming fieldEntry) bool {
	if incoming.EditSeq != stored.EditSeq {
		return incoming.EditSeq > stored.EditSeq
	}
	if incoming.ClientTimeS != stored.ClientTimeS {
		return incoming.ClientTimeS > stored.ClientTimeS
	}
	if bytes.Equal(incoming.Value, stored.Value) && incoming.Deleted == stored.Deleted {
		return true
	}
	// Distinct concurrent writes with identical ordinals: break the tie on
	// actor so every replica picks the same winner.
	return incoming.Actor >= stored.Actor
}

// EncodeState serializes the full engine state.
func (e *FieldMapEngine) EncodeState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	encoded, err := json.Marshal(e.state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return encoded, nil
}

// Snapshot returns the live content fields, excluding tombstones, suggestions
// and discussion threads.
func (e *FieldMapEngine) Snapshot() (map[string]json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make(map[string]json.RawMessage, len(e.state.Fields))
	for field, entry := range e.state.Fields {
		if entry.Deleted {
			continue
		}
		snapshot[field] = append(json.RawMessage(nil), entry.Value...)
	}
	return snapshot, nil
}

// ThreadSnapshot returns the live discussion-thread entries.
func (e *FieldMapEngine) ThreadSnapshot() map[string]json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	threads := make(map[string]json.RawMessage, len(e.state.Threads))
	for key, entry := range e.state.Threads {
		if entry.Deleted {
			continue
		}
		threads[key] = append(json.RawMessage(nil), entry.Value...)
	}
	return threads
}

// FieldMapFactory builds FieldMapEngine instances.
type FieldMapFactory struct{}

var _ EngineFactory = FieldMapFactory{}

// New returns an empty engine.
func (FieldMapFactory) New() MergeEngine {
	return NewFieldMapEngine()
}

// FromState rebuilds an engine from persisted bytes.
func (FieldMapFactory) FromState(state []byte) (MergeEngine, error) {
	return FieldMapEngineFromState(state)
}

// FromSnapshot seeds an engine from a legacy flat snapshot.
func (FieldMapFactory) FromSnapshot(snapshot map[string]json.RawMessage) (MergeEngine, error) {
	return FieldMapEngineFromSnapshot(snapshot)
}

func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("not valid json")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
