package history

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FieldChange captures both sides of a modified top-level key.
type FieldChange struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// SnapshotDiff is a shallow, top-level-key comparison of two content
// snapshots. Nested changes surface as whole-value replacement at the first
// differing key; this is deliberately not a recursive document diff.
type SnapshotDiff struct {
	Added    map[string]json.RawMessage `json:"added,omitempty"`
	Modified map[string]FieldChange     `json:"modified,omitempty"`
	Deleted  map[string]json.RawMessage `json:"deleted,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d SnapshotDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Diff compares two snapshots key by key. A key only in newSnapshot is added,
// a key in both with unequal serialized values is modified, a key only in
// oldSnapshot is deleted.
func Diff(oldSnapshot, newSnapshot map[string]json.RawMessage) SnapshotDiff {
	result := SnapshotDiff{
		Added:    make(map[string]json.RawMessage),
		Modified: make(map[string]FieldChange),
		Deleted:  make(map[string]json.RawMessage),
	}

	for key, newValue := range newSnapshot {
		oldValue, exists := oldSnapshot[key]
		if !exists {
			result.Added[key] = append(json.RawMessage(nil), newValue...)
			continue
		}
		if !bytes.Equal(oldValue, newValue) {
			result.Modified[key] = FieldChange{
				Old: append(json.RawMessage(nil), oldValue...),
				New: append(json.RawMessage(nil), newValue...),
			}
		}
	}

	for key, oldValue := range oldSnapshot {
		if _, exists := newSnapshot[key]; !exists {
			result.Deleted[key] = append(json.RawMessage(nil), oldValue...)
		}
	}

	return result
}

// Apply replays the diff onto an accumulator: additions, then modifications
// taking the new value, then deletions, in that order.
func (d SnapshotDiff) Apply(accumulator map[string]json.RawMessage) {
	for key, value := range d.Added {
		accumulator[key] = append(json.RawMessage(nil), value...)
	}
	for key, change := range d.Modified {
		accumulator[key] = append(json.RawMessage(nil), change.New...)
	}
	for key := range d.Deleted {
		delete(accumulator, key)
	}
}

// wordCount tallies whitespace-separated words across the string values of a
// snapshot, descending into nested structures. Used for the word-delta
// metadata on version records.
func wordCount(snapshot map[string]json.RawMessage) int64 {
	var total int64
	for _, raw := range snapshot {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}
		total += countWordsIn(decoded)
	}
	return total
}

func countWordsIn(value interface{}) int64 {
	switch typed := value.(type) {
	case string:
		return int64(len(strings.Fields(typed)))
	case []interface{}:
		var total int64
		for _, element := range typed {
			total += countWordsIn(element)
		}
		return total
	case map[string]interface{}:
		var total int64
		for _, element := range typed {
			total += countWordsIn(element)
		}
		return total
	}
	return 0
}
