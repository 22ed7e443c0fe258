package chatsync

import (
	"context"
	"sync"
)

// RealtimeFactory builds a Realtime client bound to one user identity.
type RealtimeFactory func(userID string) *Realtime

// ConnectionManager owns the process-wide realtime connection. A process
// holds at most one connection at a time; asking for a different user
// identity tears the current connection down before a new one is built,
// so a signed-out user's subscriptions never leak into the next session.
type ConnectionManager struct {
	factory RealtimeFactory

	mu     sync.Mutex
	userID string
	rt     *Realtime
}

// NewConnectionManager builds a manager that uses factory for each new
// identity.
func NewConnectionManager(factory RealtimeFactory) *ConnectionManager {
	return &ConnectionManager{factory: factory}
}

// For returns the connected Realtime client for userID, reusing the
// current one when the identity matches.
func (m *ConnectionManager) For(ctx context.Context, userID string) (*Realtime, error) {
	m.mu.Lock()
	if m.rt != nil && m.userID == userID {
		rt := m.rt
		m.mu.Unlock()
		if err := rt.Connect(ctx); err != nil {
			return nil, err
		}
		return rt, nil
	}

	old := m.rt
	m.rt = nil
	m.userID = ""
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	rt := m.factory(userID)
	if err := rt.Connect(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	m.mu.Lock()
	m.userID = userID
	m.rt = rt
	m.mu.Unlock()
	return rt, nil
}

// Release closes the current connection, if any.
func (m *ConnectionManager) Release() {
	m.mu.Lock()
	rt := m.rt
	m.rt = nil
	m.userID = ""
	m.mu.Unlock()

	if rt != nil {
		rt.Close()
	}
}
