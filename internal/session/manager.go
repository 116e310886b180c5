// Package session owns the Session Manager's session table: one active
// record per socket, addressed by SessionID, many of which may share a
// Handle (§4.1). It is deliberately transport-agnostic — the HTTP
// upgrade and frame I/O live in internal/wsgateway; this package is the
// "session table is the primary hot structure" piece called out in §5.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/presence-broker/internal/domain"
)

// Manager is the process-wide-looking but instance-scoped session
// table (§9 "Process-wide state": scoped to a broker instance, not an
// actual singleton, so tests can construct fresh ones).
type Manager struct {
	mu sync.RWMutex
	byID map[string]*domain.Session
}

// NewManager constructs an empty session table.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*domain.Session)}
}

// Add registers s under its SessionID, replacing any existing entry
// with the same SessionID (admission always assigns a fresh SessionID,
// so collisions should not happen in practice).
func (m *Manager) Add(s *domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.SessionID] = s
}

// Remove deletes sessionID from the table and returns the removed
// session, if it existed.
func (m *Manager) Remove(sessionID string) (*domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if ok {
		delete(m.byID, sessionID)
	}
	return s, ok
}

// Get returns the session for sessionID, if live in the table.
func (m *Manager) Get(sessionID string) (*domain.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// ByHandle returns every live session currently registered for handle.
func (m *Manager) ByHandle(handle string) []*domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.byID {
		if s.Handle == handle && s.IsLive() {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot returns a copy of every live session in the table. Callers
// (principally the Fan-out Engine) must take this copy before
// inspecting session fields, so a broadcast observes a consistent view
// rather than racing with admission/close (§5 "broadcasts observe a
// consistent snapshot").
func (m *Manager) Snapshot() []*domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Session, 0, len(m.byID))
	for _, s := range m.byID {
		if s.IsLive() {
			out = append(out, s)
		}
	}
	return out
}

// LiveHandles returns the distinct set of handles with at least one
// live session.
func (m *Manager) LiveHandles() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handles := make(map[string]struct{})
	for _, s := range m.byID {
		if s.IsLive() {
			handles[s.Handle] = struct{}{}
		}
	}
	return handles
}

// MarkAlive records a heartbeat ack for sessionID (§4.1 "Any inbound
// frame with t:hb sets is_alive <- true").
func (m *Manager) MarkAlive(sessionID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		s.IsAlive = true
		s.LastHeartbeat = now
		s.State = domain.SessionLive
	}
}

// Tick implements the §4.1 heartbeat algorithm: sessions that were
// already marked not-alive (didn't ack the previous ping, i.e. missed
// two consecutive pings counting the one about to be sent) are removed
// and returned as dead; every surviving session is flipped to
// not-alive/Zombie and returned as needing a fresh ping.
func (m *Manager) Tick(now time.Time) (dead []*domain.Session, toPing []*domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.byID {
		if !s.IsAlive {
			dead = append(dead, s)
			delete(m.byID, id)
			continue
		}
		s.IsAlive = false
		s.State = domain.SessionZombie
		toPing = append(toPing, s)
	}
	return dead, toPing
}

// StartHeartbeat runs Tick every interval until ctx is cancelled,
// invoking onPing for sessions that need a fresh ping and onDead for
// sessions reaped this tick.
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration, onPing, onDead func(*domain.Session)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				dead, toPing := m.Tick(time.Now())
				for _, s := range dead {
					if onDead != nil {
						onDead(s)
					}
				}
				for _, s := range toPing {
					if onPing != nil {
						onPing(s)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
