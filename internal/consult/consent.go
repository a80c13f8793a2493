package consult

import (
	"context"
	"sync"
)

// StaticGate answers the same for every user. Useful for single-user setups
// and tests.
type StaticGate bool

func (g StaticGate) Allowed(_ context.Context, _ string) (bool, error) {
	return bool(g), nil
}

// MemoryConsents is an in-memory per-user consent registry. Consent defaults
// to false until explicitly granted.
type MemoryConsents struct {
	mu      sync.Mutex
	granted map[string]bool
}

func NewMemoryConsents() *MemoryConsents {
	return &MemoryConsents{granted: make(map[string]bool)}
}

// Set records a user's translation consent.
func (m *MemoryConsents) Set(userID string, enabled bool) {
	m.mu.Lock()
	m.granted[userID] = enabled
	m.mu.Unlock()
}

func (m *MemoryConsents) Allowed(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[userID], nil
}
