package session

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/cdbsrv/internal/cache"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/queue"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
)

// entry is the internal record the table holds per session: the public
// metadata snapshot plus every owned resource, grounded on the teacher's
// agent/lifecycle.InstanceStore pattern (map + per-entry lock, no
// secondary indexes here since sessions have no analogue to task/container
// IDs — session ID is the only key callers ever have).
type entry struct {
	mu                    sync.RWMutex
	meta                  v1.Session
	driver                driver.ChildDriver
	engine                *queue.Engine
	cache                 *cache.Cache
	ctx                   context.Context
	cancel                context.CancelFunc
	startOpts             driver.StartOptions
	consecutiveRecoveries int
	admissionReleased     sync.Once
}

func (e *entry) snapshot() *v1.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := e.meta
	return &m
}

func (e *entry) setStatus(s v1.SessionStatus) {
	e.mu.Lock()
	e.meta.Status = s
	e.mu.Unlock()
}

func (e *entry) setProcessID(pid int) {
	e.mu.Lock()
	e.meta.ProcessID = pid
	e.mu.Unlock()
}

// touchActivity advances LastActivity to t if t is strictly newer,
// so out-of-order calls can never move the timestamp backwards.
func (e *entry) touchActivity(t time.Time) {
	e.mu.Lock()
	if t.After(e.meta.LastActivity) {
		e.meta.LastActivity = t
	}
	e.mu.Unlock()
}

func (e *entry) status() v1.SessionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta.Status
}

// store is a thread-safe session table.
type store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

func newStore() *store {
	return &store{sessions: make(map[string]*entry)}
}

func (s *store) add(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[e.meta.ID] = e
}

func (s *store) get(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

func (s *store) list() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		result = append(result, e)
	}
	return result
}

func (s *store) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
