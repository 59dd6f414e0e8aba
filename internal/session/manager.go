package session

import (
	"fmt"
	"sync"
	"time"
)

// ErrCapacityExceeded is returned by Manager.Create when the global session
// count is already at the configured maximum.
var ErrCapacityExceeded = fmt.Errorf("session: capacity exceeded")

// Manager holds every connected Session, enforcing the global capacity cap
// and surfacing idle sessions for eviction. Reads (dispatch lookups) are
// far more frequent than writes (connect/disconnect), so the map is
// guarded by a read-mostly RWMutex.
type Manager struct {
	maxSessions     int
	idleTimeout     time.Duration
	maxBacklogBytes int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager capped at maxSessions concurrent sessions,
// each evicted after idleTimeout of inbound silence and each with an
// outbound queue capped at maxBacklogBytes.
func NewManager(maxSessions int, idleTimeout time.Duration, maxBacklogBytes int) *Manager {
	return &Manager{
		maxSessions:     maxSessions,
		idleTimeout:     idleTimeout,
		maxBacklogBytes: maxBacklogBytes,
		sessions:        make(map[string]*Session),
	}
}

// Create admits a new Session keyed by sessionID, refusing with
// ErrCapacityExceeded if the global cap is already reached.
func (m *Manager) Create(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, ErrCapacityExceeded
	}

	s := NewSession(sessionID, m.maxBacklogBytes)
	m.sessions[sessionID] = s
	return s, nil
}

// Get returns the session for id, or nil if it does not exist.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Remove closes and removes a session, e.g. on disconnect.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Close()
		delete(m.sessions, sessionID)
	}
}

// Count returns the number of currently tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IdleExpired returns the IDs of every Idle session that has exceeded the
// manager's idle timeout, for the caller to close via Remove. Separated
// from eviction itself so the Supervisor can run the normal cancellation
// path (terminating any in-flight execution) before removal — a session
// mid-Execution is never idle, so this only ever surfaces truly quiescent
// sessions.
func (m *Manager) IdleExpired() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []string
	for id, s := range m.sessions {
		if s.State() == StateIdle && s.IdleSince() > m.idleTimeout {
			expired = append(expired, id)
		}
	}
	return expired
}

// All returns every tracked session, used for clean-shutdown cancellation.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
