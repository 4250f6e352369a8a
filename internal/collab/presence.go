package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
)

// PresenceEntry describes one connected session for roster broadcasts.
type PresenceEntry struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Capability  string `json:"capability"`
	JoinedAtS   int64  `json:"joined_at_s"`
}

// PresenceTracker maintains the per-document roster of connected identities.
// It is advisory, in-memory only, and rebuilt from scratch on restart.
type PresenceTracker struct {
	mu      sync.RWMutex
	rosters map[DocumentKey]map[string]PresenceEntry
}

// NewPresenceTracker returns an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		rosters: make(map[DocumentKey]map[string]PresenceEntry),
	}
}

// OnAttach records a session and returns the updated roster.
func (t *PresenceTracker) OnAttach(key DocumentKey, sessionID string, identity auth.Identity, capability auth.Capability, joinedAt time.Time) []PresenceEntry {
	t.mu.Lock()
	roster, ok := t.rosters[key]
	if !ok {
		roster = make(map[string]PresenceEntry)
		t.rosters[key] = roster
	}
	roster[sessionID] = PresenceEntry{
		SessionID:   sessionID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Capability:  capability.String(),
		JoinedAtS:   joinedAt.UTC().Unix(),
	}
	snapshot := rosterSnapshot(roster)
	t.mu.Unlock()
	return snapshot
}

// OnDetach removes a session and returns the updated roster.
func (t *PresenceTracker) OnDetach(key DocumentKey, sessionID string) []PresenceEntry {
	t.mu.Lock()
	roster := t.rosters[key]
	var snapshot []PresenceEntry
	if roster != nil {
		delete(roster, sessionID)
		if len(roster) == 0 {
			delete(t.rosters, key)
		} else {
			snapshot = rosterSnapshot(roster)
		}
	}
	t.mu.Unlock()
	return snapshot
}

// Roster returns the current roster for a document key.
func (t *PresenceTracker) Roster(key DocumentKey) []PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return rosterSnapshot(t.rosters[key])
}

func rosterSnapshot(roster map[string]PresenceEntry) []PresenceEntry {
	if len(roster) == 0 {
		return []PresenceEntry{}
	}
	entries := make([]PresenceEntry, 0, len(roster))
	for _, entry := range roster {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAtS != entries[j].JoinedAtS {
			return entries[i].JoinedAtS < entries[j].JoinedAtS
		}
		return entries[i].SessionID < entries[j].SessionID
	})
	return entries
}
