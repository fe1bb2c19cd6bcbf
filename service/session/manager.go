package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Manager is a process-local registry of sessions. All sessions share one
// wallet address and one set of collaborators.
type Manager struct {
	walletAddress string
	cfg           Config
	deps          Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager(walletAddress string, cfg Config, deps Deps) *Manager {
	return &Manager{
		walletAddress: walletAddress,
		cfg:           cfg,
		deps:          deps,
		sessions:      make(map[string]*Session),
	}
}

// WalletAddress returns the address transfers are sent from.
func (m *Manager) WalletAddress() string {
	return m.walletAddress
}

// Create starts a new session with a random id.
func (m *Manager) Create() *Session {
	s := New(uuid.NewString(), m.walletAddress, m.cfg, m.deps)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordSessionCountChange(1)
	}
	if m.deps.Logger != nil {
		m.deps.Logger.Debug("session created", "session_id", s.ID())
	}
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete ends a session. A submission already running finishes in the background.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok && m.deps.Metrics != nil {
		m.deps.Metrics.RecordSessionCountChange(-1)
	}
	return ok
}

// List returns snapshots of every session, oldest first.
func (m *Manager) List() []State {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	states := make([]State, len(sessions))
	for i, s := range sessions {
		states[i] = s.Snapshot()
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
