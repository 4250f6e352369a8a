package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
	"github.com/arcadia-research/colloquy/backend/internal/history"
	"github.com/arcadia-research/colloquy/backend/internal/storage"
)

const (
	defaultDebounce    = 5 * time.Second
	defaultMaxDebounce = 30 * time.Second
	defaultIdleTimeout = 90 * time.Second

	persistTimeout = 10 * time.Second

	fieldDocumentKey = "document_key"
	fieldSessionID   = "session_id"
	fieldUserID      = "user_id"
)

var (
	// ErrManagerClosed indicates the manager no longer accepts joins.
	ErrManagerClosed = errors.New("collab: manager closed")
	// ErrSessionDetached indicates an operation on an already-detached session.
	ErrSessionDetached = errors.New("collab: session detached")
	// ErrCapabilityDenied indicates the session's capability does not permit
	// the attempted action.
	ErrCapabilityDenied = errors.New("collab: capability denied")
	// ErrMissingStore indicates the manager was built without a persistence adapter.
	ErrMissingStore = errors.New("collab: persistence adapter required")
	// ErrMissingRecorder indicates the manager was built without a version recorder.
	ErrMissingRecorder = errors.New("collab: version recorder required")
)

// VersionRecorder is the slice of the history engine the manager invokes at
// session teardown and legacy migration.
type VersionRecorder interface {
	CommitSnapshot(ctx context.Context, subjectID string, snapshot map[string]json.RawMessage, authorID, comment string) (history.CommitOutcome, error)
	RecordInitial(ctx context.Context, subjectID string, content map[string]json.RawMessage, authorID, comment string) (history.VersionRecord, error)
	LatestVersionNumber(ctx context.Context, subjectID string) (int64, error)
}

// ManagerConfig configures the document session manager.
type ManagerConfig struct {
	Store       storage.Adapter
	Recorder    VersionRecorder
	Engines     EngineFactory
	Logger      *zap.Logger
	Clock       func() time.Time
	Debounce    time.Duration
	MaxDebounce time.Duration
	IdleTimeout time.Duration
}

// documentRoom is the exclusive in-memory holder of one live document. The
// room mutex protects session and timer bookkeeping only; document content
// is mutated solely through the merge engine, which needs no external
// locking. Rooms for different keys share nothing, so documents proceed
// fully in parallel.
type documentRoom struct {
	key DocumentKey

	initOnce sync.Once
	initErr  error
	engine   MergeEngine

	mu           sync.Mutex
	sessions     map[string]*Session
	dirty        bool
	generation   uint64
	firstDirtyAt time.Time
	timer        *time.Timer
	lastEditor   string
}

// Manager owns one in-memory document per key, attaches and detaches
// sessions, fans operations out to co-present sessions, and decides when
// the persistence adapter and version recorder run.
type Manager struct {
	store       storage.Adapter
	recorder    VersionRecorder
	engines     EngineFactory
	logger      *zap.Logger
	clock       func() time.Time
	debounce    time.Duration
	maxDebounce time.Duration
	idleTimeout time.Duration
	presence    *PresenceTracker

	mu      sync.Mutex
	rooms   map[DocumentKey]*documentRoom
	closed  bool
	started bool

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewManager constructs a manager with the provided configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Recorder == nil {
		return nil, ErrMissingRecorder
	}
	engines := cfg.Engines
	if engines == nil {
		engines = FieldMapFactory{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	maxDebounce := cfg.MaxDebounce
	if maxDebounce <= 0 {
		maxDebounce = defaultMaxDebounce
	}
	if maxDebounce < debounce {
		maxDebounce = debounce
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Manager{
		store:       cfg.Store,
		recorder:    cfg.Recorder,
		engines:     engines,
		logger:      logger,
		clock:       clock,
		debounce:    debounce,
		maxDebounce: maxDebounce,
		idleTimeout: idleTimeout,
		presence:    NewPresenceTracker(),
		rooms:       make(map[DocumentKey]*documentRoom),
		reaperStop:  make(chan struct{}),
		reaperDone:  make(chan struct{}),
	}, nil
}

// Presence returns the manager's presence tracker.
func (m *Manager) Presence() *PresenceTracker {
	return m.presence
}

// Start launches the idle-session reaper.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.reapIdleSessions()
}

// JoinResult is returned to the channel layer on a successful join.
type JoinResult struct {
	Session *Session
	State   []byte
	Roster  []PresenceEntry
}

// Join attaches a connection to the in-memory document for the key, loading
// or migrating persisted state when this is the first session.
func (m *Manager) Join(ctx context.Context, key DocumentKey, identity auth.Identity, capability auth.Capability) (JoinResult, error) {
	if !capability.AllowsView() {
		return JoinResult{}, fmt.Errorf("%w: %s may not attach", ErrCapabilityDenied, capability)
	}

	now := m.clock().UTC()
	session := newSession(uuid.NewString(), key, identity, capability, now)

	var room *documentRoom
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return JoinResult{}, ErrManagerClosed
		}
		candidate, exists := m.rooms[key]
		if !exists {
			candidate = &documentRoom{key: key, sessions: make(map[string]*Session)}
			m.rooms[key] = candidate
		}
		m.mu.Unlock()

		// First joiner loads or migrates state; same-key joiners wait here,
		// other keys are unaffected.
		candidate.initOnce.Do(func() {
			candidate.engine, candidate.initErr = m.loadDocument(ctx, key, identity)
		})
		if candidate.initErr != nil {
			m.mu.Lock()
			if m.rooms[key] == candidate {
				delete(m.rooms, key)
			}
			m.mu.Unlock()
			return JoinResult{}, candidate.initErr
		}

		candidate.mu.Lock()
		candidate.sessions[session.id] = session
		candidate.mu.Unlock()

		m.mu.Lock()
		registered := m.rooms[key] == candidate
		m.mu.Unlock()
		if registered {
			room = candidate
			break
		}
		// The room was evicted between lookup and attach; detach and retry.
		candidate.mu.Lock()
		delete(candidate.sessions, session.id)
		candidate.mu.Unlock()
	}

	roster := m.presence.OnAttach(key, session.id, identity, capability, now)
	room.mu.Lock()
	peers := room.peersLocked(session.id)
	room.mu.Unlock()
	for _, peer := range peers {
		peer.pushRoster(roster)
	}

	state, err := room.engine.EncodeState()
	if err != nil {
		m.logger.Error("state encode failed on join",
			zap.String(fieldDocumentKey, key.String()),
			zap.Error(err))
		_ = m.Leave(ctx, session)
		return JoinResult{}, err
	}

	m.logger.Info("session joined",
		zap.String(fieldDocumentKey, key.String()),
		zap.String(fieldSessionID, session.id),
		zap.String(fieldUserID, identity.UserID),
		zap.String("capability", capability.String()))

	return JoinResult{Session: session, State: state, Roster: roster}, nil
}

// loadDocument obtains the engine for a first join: persisted byte-state if
// present, otherwise a one-time migration from the legacy flat snapshot,
// otherwise an empty document.
func (m *Manager) loadDocument(ctx context.Context, key DocumentKey, migrator auth.Identity) (MergeEngine, error) {
	state, err := m.store.Load(ctx, key.SubjectID().String(), key.FormID().String())
	if err == nil {
		return m.engines.FromState(state)
	}
	if !errors.Is(err, storage.ErrStateNotFound) {
		return nil, err
	}

	legacy, legacyErr := m.store.LoadLegacySnapshot(ctx, key.SubjectID().String(), key.FormID().String())
	if errors.Is(legacyErr, storage.ErrLegacySnapshotNotFound) {
		return m.engines.New(), nil
	}
	if legacyErr != nil {
		return nil, legacyErr
	}

	snapshot := make(map[string]json.RawMessage)
	if unmarshalErr := json.Unmarshal(legacy, &snapshot); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: unreadable legacy snapshot: %v", ErrInvalidState, unmarshalErr)
	}
	engine, engineErr := m.engines.FromSnapshot(snapshot)
	if engineErr != nil {
		return nil, engineErr
	}

	// One-time migration: persist the synthesized document immediately so
	// the legacy snapshot is never consulted again for this key.
	encoded, encodeErr := engine.EncodeState()
	if encodeErr != nil {
		return nil, encodeErr
	}
	canonical, canonicalErr := history.CanonicalContent(snapshot)
	if canonicalErr != nil {
		return nil, canonicalErr
	}
	if storeErr := m.store.Store(ctx, key.SubjectID().String(), key.FormID().String(), encoded, canonical); storeErr != nil {
		return nil, storeErr
	}
	if _, recordErr := m.recorder.RecordInitial(ctx, key.SubjectID().String(), snapshot, migrator.UserID, "migrated from legacy snapshot"); recordErr != nil {
		m.logger.Warn("initial version record failed during legacy migration",
			zap.String(fieldDocumentKey, key.String()),
			zap.Error(recordErr))
	}
	m.logger.Info("legacy snapshot migrated",
		zap.String(fieldDocumentKey, key.String()),
		zap.String(fieldUserID, migrator.UserID))
	return engine, nil
}

// ApplyOperation forwards a client operation to the merge engine and fans
// the resulting update out to co-present sessions. It marks the document
// dirty and arms the persistence debounce; it never waits on durable I/O.
func (m *Manager) ApplyOperation(ctx context.Context, session *Session, opBytes []byte) error {
	if session.isDetached() {
		return ErrSessionDetached
	}
	op, err := DecodeOperation(opBytes)
	if err != nil {
		return err
	}
	if !op.Kind.Allowed(session.capability) {
		return fmt.Errorf("%w: %s requires %s", ErrCapabilityDenied, op.Kind, op.Kind.RequiredCapability())
	}

	m.mu.Lock()
	room := m.rooms[session.key]
	m.mu.Unlock()
	if room == nil {
		return ErrSessionDetached
	}

	update, err := room.engine.ApplyLocal(opBytes)
	if err != nil {
		return err
	}

	now := m.clock().UTC()
	session.Touch(now)

	room.mu.Lock()
	room.lastEditor = session.identity.UserID
	m.markDirtyLocked(room, now)
	peers := room.peersLocked(session.id)
	room.mu.Unlock()

	for _, peer := range peers {
		if !peer.pushUpdate(update) {
			m.logger.Debug("update dropped for slow session",
				zap.String(fieldDocumentKey, session.key.String()),
				zap.String(fieldSessionID, peer.id))
		}
	}
	return nil
}

// markDirtyLocked arms or refreshes the debounce timer, capped so a
// continuously edited document still flushes within the hard ceiling.
// Caller holds room.mu.
func (m *Manager) markDirtyLocked(room *documentRoom, now time.Time) {
	room.dirty = true
	room.generation++
	if room.firstDirtyAt.IsZero() {
		room.firstDirtyAt = now
	}
	delay := m.debounce
	if ceiling := room.firstDirtyAt.Add(m.maxDebounce).Sub(now); ceiling < delay {
		delay = ceiling
	}
	if delay < 0 {
		delay = 0
	}
	key := room.key
	if room.timer == nil {
		room.timer = time.AfterFunc(delay, func() { m.debounceFlush(key) })
	} else {
		room.timer.Reset(delay)
	}
}

// debounceFlush persists state while sessions remain attached. It never
// records version history; that happens only at teardown, so the log is not
// flooded with transient mid-edit states.
func (m *Manager) debounceFlush(key DocumentKey) {
	m.mu.Lock()
	room := m.rooms[key]
	m.mu.Unlock()
	if room == nil {
		return
	}

	room.mu.Lock()
	if !room.dirty {
		room.timer = nil
		room.mu.Unlock()
		return
	}
	flushedGeneration := room.generation
	room.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.persistRoom(ctx, room); err != nil {
		// The engine still holds the authoritative live state; retry on the
		// next tick rather than surfacing to editing sessions.
		m.logger.Warn("debounce persistence failed, will retry",
			zap.String(fieldDocumentKey, key.String()),
			zap.Error(err))
		room.mu.Lock()
		room.timer = time.AfterFunc(m.debounce, func() { m.debounceFlush(key) })
		room.mu.Unlock()
		return
	}

	room.mu.Lock()
	// An operation that landed while the store was in flight is not covered
	// by this flush; leave the room dirty for its re-armed timer.
	if room.generation == flushedGeneration {
		room.dirty = false
		room.firstDirtyAt = time.Time{}
		room.timer = nil
	}
	room.mu.Unlock()
}

// persistRoom stores the byte-state and derived snapshot for the room.
func (m *Manager) persistRoom(ctx context.Context, room *documentRoom) error {
	state, err := room.engine.EncodeState()
	if err != nil {
		return err
	}
	snapshot, err := room.engine.Snapshot()
	if err != nil {
		return err
	}
	canonical, err := history.CanonicalContent(snapshot)
	if err != nil {
		return err
	}
	return m.store.Store(ctx, room.key.SubjectID().String(), room.key.FormID().String(), state, canonical)
}

// Leave detaches the session. The last session out triggers a synchronous
// persist, exactly one version record, and eviction of the in-memory
// document. Racing detaches are safe: only one caller observes the room
// becoming empty.
func (m *Manager) Leave(ctx context.Context, session *Session) error {
	if !session.markDetached() {
		return nil
	}

	m.mu.Lock()
	room := m.rooms[session.key]
	m.mu.Unlock()
	if room == nil {
		m.presence.OnDetach(session.key, session.id)
		return nil
	}

	room.mu.Lock()
	delete(room.sessions, session.id)
	last := len(room.sessions) == 0
	peers := room.peersLocked(session.id)
	author := room.lastEditor
	if last && room.timer != nil {
		room.timer.Stop()
		room.timer = nil
	}
	room.mu.Unlock()

	roster := m.presence.OnDetach(session.key, session.id)
	for _, peer := range peers {
		peer.pushRoster(roster)
	}

	m.logger.Info("session left",
		zap.String(fieldDocumentKey, session.key.String()),
		zap.String(fieldSessionID, session.id),
		zap.String(fieldUserID, session.identity.UserID))

	if !last {
		return nil
	}

	if author == "" {
		author = session.identity.UserID
	}
	if err := m.teardownRoom(ctx, room, author); err != nil {
		// The room stays resident and dirty; the retry timer re-attempts the
		// final persist until it succeeds or a new session joins.
		m.logger.Warn("teardown persistence failed, room retained for retry",
			zap.String(fieldDocumentKey, session.key.String()),
			zap.Error(err))
		key := session.key
		room.mu.Lock()
		room.timer = time.AfterFunc(m.debounce, func() { m.retryTeardown(key, author) })
		room.mu.Unlock()
		return err
	}
	m.evictIfEmpty(session.key, room)
	return nil
}

// teardownRoom persists the final state and records the teardown version.
func (m *Manager) teardownRoom(ctx context.Context, room *documentRoom, authorID string) error {
	if err := m.persistRoom(ctx, room); err != nil {
		return err
	}
	room.mu.Lock()
	room.dirty = false
	room.firstDirtyAt = time.Time{}
	room.mu.Unlock()

	snapshot, err := room.engine.Snapshot()
	if err != nil {
		return err
	}
	m.recordTeardownVersion(ctx, room.key, snapshot, authorID, "")
	return nil
}

// recordTeardownVersion invokes the version recorder and maps the integrity
// outcomes to their user-visible meanings. An empty snapshot is recorded
// only when the subject already has history: clearing every field is a
// change worth a version, a never-edited document is not.
func (m *Manager) recordTeardownVersion(ctx context.Context, key DocumentKey, snapshot map[string]json.RawMessage, authorID, comment string) {
	subjectID := key.SubjectID().String()
	if len(snapshot) == 0 {
		latest, latestErr := m.recorder.LatestVersionNumber(ctx, subjectID)
		if latestErr != nil {
			m.logger.Error("version lookup failed at teardown",
				zap.String(fieldDocumentKey, key.String()),
				zap.Error(latestErr))
			return
		}
		if latest == 0 {
			return
		}
	}
	outcome, err := m.recorder.CommitSnapshot(ctx, subjectID, snapshot, authorID, comment)
	switch {
	case errors.Is(err, history.ErrDuplicateContent):
		m.logger.Info("no changes to save at teardown",
			zap.String(fieldDocumentKey, key.String()))
	case errors.Is(err, history.ErrContentReuse):
		m.logger.Warn("teardown content flagged for review",
			zap.String(fieldDocumentKey, key.String()),
			zap.Error(err))
	case err != nil:
		m.logger.Error("version record failed at teardown",
			zap.String(fieldDocumentKey, key.String()),
			zap.Error(err))
	default:
		if outcome.Committed {
			m.logger.Info("version recorded at teardown",
				zap.String(fieldDocumentKey, key.String()),
				zap.Int64("version_number", outcome.Record.VersionNumber),
				zap.String("change_kind", outcome.Record.ChangeKind))
		}
	}
}

// evictIfEmpty removes the room from the registry unless a session attached
// during teardown.
func (m *Manager) evictIfEmpty(key DocumentKey, room *documentRoom) {
	m.mu.Lock()
	room.mu.Lock()
	if m.rooms[key] == room && len(room.sessions) == 0 {
		delete(m.rooms, key)
	}
	room.mu.Unlock()
	m.mu.Unlock()
}

// retryTeardown re-attempts the final persist for a room whose last session
// already left.
func (m *Manager) retryTeardown(key DocumentKey, authorID string) {
	m.mu.Lock()
	room := m.rooms[key]
	m.mu.Unlock()
	if room == nil {
		return
	}
	room.mu.Lock()
	empty := len(room.sessions) == 0
	room.mu.Unlock()
	if !empty {
		// A new session joined the retained room; normal lifecycle resumes.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.teardownRoom(ctx, room, authorID); err != nil {
		m.logger.Warn("teardown retry failed",
			zap.String(fieldDocumentKey, key.String()),
			zap.Error(err))
		room.mu.Lock()
		room.timer = time.AfterFunc(m.debounce, func() { m.retryTeardown(key, authorID) })
		room.mu.Unlock()
		return
	}
	m.evictIfEmpty(key, room)
}

// Shutdown stops accepting joins, detaches every session, and flushes all
// dirty documents synchronously before returning.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	rooms := make([]*documentRoom, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[DocumentKey]*documentRoom)
	m.mu.Unlock()

	close(m.reaperStop)
	if started {
		<-m.reaperDone
	}

	var firstErr error
	for _, room := range rooms {
		room.mu.Lock()
		if room.timer != nil {
			room.timer.Stop()
			room.timer = nil
		}
		sessions := make([]*Session, 0, len(room.sessions))
		for _, session := range room.sessions {
			sessions = append(sessions, session)
		}
		dirty := room.dirty
		author := room.lastEditor
		room.mu.Unlock()

		for _, session := range sessions {
			if session.markDetached() {
				m.presence.OnDetach(session.key, session.id)
			}
			if author == "" {
				author = session.identity.UserID
			}
		}
		if !dirty && len(sessions) == 0 {
			continue
		}

		if err := m.persistRoom(ctx, room); err != nil {
			m.logger.Error("shutdown flush failed",
				zap.String(fieldDocumentKey, room.key.String()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snapshot, err := room.engine.Snapshot()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.recordTeardownVersion(ctx, room.key, snapshot, author, "flushed at shutdown")
	}
	return firstErr
}

// reapIdleSessions tears down sessions with no liveness signal within the
// idle timeout.
func (m *Manager) reapIdleSessions() {
	defer close(m.reaperDone)
	interval := m.idleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reaperStop:
			return
		case <-ticker.C:
			now := m.clock().UTC()
			for _, session := range m.idleSessions(now) {
				m.logger.Info("reaping idle session",
					zap.String(fieldDocumentKey, session.key.String()),
					zap.String(fieldSessionID, session.id))
				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				if err := m.Leave(ctx, session); err != nil {
					m.logger.Warn("idle session teardown failed",
						zap.String(fieldSessionID, session.id),
						zap.Error(err))
				}
				cancel()
			}
		}
	}
}

func (m *Manager) idleSessions(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var idle []*Session
	for _, room := range m.rooms {
		room.mu.Lock()
		for _, session := range room.sessions {
			if session.idleSince(now) > m.idleTimeout {
				idle = append(idle, session)
			}
		}
		room.mu.Unlock()
	}
	return idle
}

// peersLocked returns every attached session except the named one. Caller
// holds room.mu.
func (r *documentRoom) peersLocked(exceptID string) []*Session {
	peers := make([]*Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		if id == exceptID {
			continue
		}
		peers = append(peers, session)
	}
	return peers
}
