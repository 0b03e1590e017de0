package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moonbridge/moonbridge/pkg/ids"
	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/storage"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// Session is one authenticated client connection's server-side state. The
// per-session semaphore is the innermost concurrency layer: a call must hold
// a session permit before it may compete for global or provider permits.
type Session struct {
	ID        string
	Client    types.ClientInfo
	CreatedAt time.Time

	sem *semaphore.Weighted

	mu         sync.Mutex
	lastActive time.Time
	inflight   int
	closed     bool
}

// Acquire takes a session permit, blocking until one is free or the context
// expires. Expiry while queued maps to Overloaded so the client sees a
// retryable backpressure signal rather than a timeout.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrInvalidRequest, "session %s is closed", s.ID)
	}
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrOverloaded, "session %s at capacity", s.ID).
			WithDetail("layer", "session")
	}

	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	return nil
}

// Release returns a session permit
func (s *Session) Release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
	s.sem.Release(1)
}

// Touch records activity, deferring idle reaping
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// Inflight returns the number of calls currently holding a session permit
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// LastActive returns the time of the most recent touch
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Manager tracks live sessions, hands out permits, and reaps idle sessions
type Manager struct {
	perSession int64
	idleTTL    time.Duration
	store      storage.Store

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates a session manager. perSession caps concurrent calls per
// session; sessions idle longer than idleTTL with no inflight work are reaped.
func NewManager(perSession int, idleTTL time.Duration, store storage.Store) *Manager {
	if perSession < 1 {
		perSession = 1
	}
	return &Manager{
		perSession: int64(perSession),
		idleTTL:    idleTTL,
		store:      store,
		sessions:   make(map[string]*Session),
		now:        time.Now,
	}
}

// Create registers a new session for a client and returns it
func (m *Manager) Create(client types.ClientInfo) *Session {
	now := m.now()
	s := &Session{
		ID:         ids.New(),
		Client:     client,
		CreatedAt:  now,
		lastActive: now,
		sem:        semaphore.NewWeighted(m.perSession),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.SessionsOpen.Inc()
	m.persistTouch(s.ID, now)
	log.WithSession(s.ID).Debug().Str("client", client.Name).Msg("session created")
	return s
}

// Resume returns the existing session for id, or a fresh session carrying the
// same id when the daemon restarted and only the persisted record survives.
func (m *Manager) Resume(id string, client types.ClientInfo) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.Touch(m.now())
		return s, true
	}
	if !ids.Valid(id) {
		return nil, false
	}

	now := m.now()
	s = &Session{
		ID:         id,
		Client:     client,
		CreatedAt:  now,
		lastActive: now,
		sem:        semaphore.NewWeighted(m.perSession),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	metrics.SessionsOpen.Inc()
	m.persistTouch(id, now)
	return s, true
}

// Get looks up a live session by id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Touch records activity on a session and best-effort persists it
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	now := m.now()
	s.Touch(now)
	m.persistTouch(id, now)
}

// Remove closes and deregisters a session, typically on connection close
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	metrics.SessionsOpen.Dec()
}

// Reap removes sessions idle past the TTL that have no inflight calls.
// Returns the number reaped.
func (m *Manager) Reap() int {
	now := m.now()
	var victims []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Inflight() > 0 {
			continue
		}
		if now.Sub(s.LastActive()) > m.idleTTL {
			delete(m.sessions, id)
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.close()
		metrics.SessionsOpen.Dec()
		metrics.SessionsReaped.Inc()
		log.WithSession(s.ID).Debug().Msg("session reaped")
	}
	return len(victims)
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every session. New acquisitions fail; inflight calls keep
// their permits until they release them.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
		metrics.SessionsOpen.Dec()
	}
}

func (m *Manager) persistTouch(id string, at time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.TouchSession(context.Background(), id, at); err != nil {
		metrics.RepositoryErrors.WithLabelValues("touch_session").Inc()
		log.WithComponent("session").Debug().Err(err).Str("session_id", id).Msg("session touch not persisted")
	}
}
