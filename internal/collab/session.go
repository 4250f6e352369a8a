package collab

import (
	"sync"
	"time"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
)

const sessionStreamBuffer = 16

// Session is one connection's attachment to a live document. It lives only
// as long as the connection and is never persisted.
type Session struct {
	id         string
	key        DocumentKey
	identity   auth.Identity
	capability auth.Capability
	joinedAt   time.Time

	updates chan []byte
	rosters chan []PresenceEntry
	done    chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
	detached bool
}

func newSession(id string, key DocumentKey, identity auth.Identity, capability auth.Capability, joinedAt time.Time) *Session {
	return &Session{
		id:         id,
		key:        key,
		identity:   identity,
		capability: capability,
		joinedAt:   joinedAt,
		updates:    make(chan []byte, sessionStreamBuffer),
		rosters:    make(chan []PresenceEntry, sessionStreamBuffer),
		done:       make(chan struct{}),
		lastSeen:   joinedAt,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Key returns the document key the session is attached to.
func (s *Session) Key() DocumentKey {
	return s.key
}

// Identity returns the resolved identity behind the session.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// Capability returns the capability resolved at join time.
func (s *Session) Capability() auth.Capability {
	return s.capability
}

// JoinedAt returns the attach time.
func (s *Session) JoinedAt() time.Time {
	return s.joinedAt
}

// Updates streams update frames produced by co-present sessions.
func (s *Session) Updates() <-chan []byte {
	return s.updates
}

// Rosters streams presence snapshots after every attach or detach.
func (s *Session) Rosters() <-chan []PresenceEntry {
	return s.rosters
}

// Done is closed when the session detaches.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Touch records a liveness signal from the connection.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

// markDetached flips the session to detached exactly once.
func (s *Session) markDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return false
	}
	s.detached = true
	close(s.done)
	return true
}

func (s *Session) isDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// pushUpdate delivers an update frame without blocking; a session that
// cannot keep up drops frames rather than stalling the hot path.
func (s *Session) pushUpdate(update []byte) bool {
	select {
	case s.updates <- update:
		return true
	default:
		return false
	}
}

// pushRoster delivers a presence snapshot without blocking.
func (s *Session) pushRoster(roster []PresenceEntry) bool {
	select {
	case s.rosters <- roster:
		return true
	default:
		return false
	}
}
