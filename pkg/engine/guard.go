package engine

import (
	"sync"
)

// SessionGuard allows at most one session per device identity.
type SessionGuard struct {
	mu     sync.Mutex
	active map[string]string
}

// NewSessionGuard creates an empty guard.
func NewSessionGuard() *SessionGuard {
	return &SessionGuard{active: make(map[string]string)}
}

// defaultGuard is shared by reconcilers created without their own guard.
var defaultGuard = NewSessionGuard()

// Acquire claims deviceID for sessionID. The returned func releases it.
func (g *SessionGuard) Acquire(deviceID, sessionID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if holder, busy := g.active[deviceID]; busy {
		return nil, NewPermanentError("reconciliation already in progress", nil).
			WithCode(ErrCodeSessionActive).
			WithEntity(deviceID).
			WithDetail("session_id", holder)
	}
	g.active[deviceID] = sessionID

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.active[deviceID] == sessionID {
				delete(g.active, deviceID)
			}
		})
	}, nil
}

// Active returns the session holding deviceID, if any.
func (g *SessionGuard) Active(deviceID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.active[deviceID]
	return id, ok
}
