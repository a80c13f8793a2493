package call

import (
	"context"
	"sync"
)

// Manager tracks live sessions by room id so a host process can run several
// independent calls. Terminal sessions are dropped from the table
// automatically.
type Manager struct {
	sig  Signaler
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions share a signaler and options.
func NewManager(sig Signaler, opts Options) *Manager {
	return &Manager{
		sig:      sig,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// StartCall creates a room as caller and registers the session under the new
// room id.
func (m *Manager) StartCall(ctx context.Context) (*Session, string, error) {
	s := NewSession(m.sig, m.hooked())
	roomID, err := s.CreateRoom(ctx)
	if err != nil {
		return nil, "", err
	}
	m.track(roomID, s)
	return s, roomID, nil
}

// JoinCall joins an existing room as callee and registers the session.
func (m *Manager) JoinCall(ctx context.Context, roomID string) (*Session, error) {
	s := NewSession(m.sig, m.hooked())
	if err := s.JoinRoom(ctx, roomID); err != nil {
		return nil, err
	}
	m.track(roomID, s)
	return s, nil
}

// Session returns the live session for a room, or nil.
func (m *Manager) Session(roomID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[roomID]
}

// Close hangs up every live session. Room records are left for their
// owners to delete.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.HangUp(HangUpOptions{})
	}
}

func (m *Manager) track(roomID string, s *Session) {
	m.mu.Lock()
	m.sessions[roomID] = s
	m.mu.Unlock()
}

// hooked wraps the shared options so terminal status events evict the
// session from the table.
func (m *Manager) hooked() Options {
	opts := m.opts
	inner := opts.Events.OnStatus
	opts.Events.OnStatus = func(status Status, reason string) {
		if status == StatusEnded || status == StatusError {
			m.evictTerminal()
		}
		if inner != nil {
			inner(status, reason)
		}
	}
	return opts
}

func (m *Manager) evictTerminal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		status := s.Status()
		if status == StatusEnded || status == StatusError {
			delete(m.sessions, id)
		}
	}
}
