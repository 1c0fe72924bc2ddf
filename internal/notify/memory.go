package notify

import (
	"fmt"
	"sync"

	"github.com/kandev/cdbsrv/internal/logger"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"go.uber.org/zap"
)

const subscriberBuffer = 256

// MemoryBus is an in-process Bus, grounded on the teacher's
// events/bus.MemoryEventBus but scoped to one subject per session rather
// than wildcard subject matching, which this domain does not need.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memorySubscription
	logger  *logger.Logger
	closed  bool
}

type memorySubscription struct {
	bus       *MemoryBus
	sessionID string
	ch        chan v1.Notification
	mu        sync.Mutex
	active    bool
}

// NewMemoryBus constructs an in-memory notification bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySubscription),
		logger: log.WithFields(zap.String("component", "notify-bus")),
	}
}

// Publish delivers n to every live subscriber of sessionID. Delivery is
// non-blocking per subscriber: a subscriber that isn't draining its
// channel has the notification dropped (logged) rather than stalling the
// publisher, which would otherwise be the session's single queue worker.
func (b *MemoryBus) Publish(sessionID string, n v1.Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("notification bus is closed")
	}

	for _, sub := range b.subs[sessionID] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}

		select {
		case sub.ch <- n:
		default:
			b.logger.Warn("dropping notification for slow subscriber",
				zap.String("session_id", sessionID))
		}
	}
	return nil
}

// Subscribe registers a new subscription for sessionID.
func (b *MemoryBus) Subscribe(sessionID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("notification bus is closed")
	}

	sub := &memorySubscription{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan v1.Notification, subscriberBuffer),
		active:    true,
	}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return sub, nil
}

// Drop unsubscribes and closes every subscription for sessionID.
func (b *MemoryBus) Drop(sessionID string) {
	b.mu.Lock()
	subs := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deactivate()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.deactivate()
		}
	}
	return nil
}

func (s *memorySubscription) C() <-chan v1.Notification {
	return s.ch
}

func (s *memorySubscription) Unsubscribe() {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.sessionID]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	s.deactivate()
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.ch)
}
