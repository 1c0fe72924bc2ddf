// Package cache implements the bounded Result Cache (C4, spec §4.4): it
// holds completed/failed/cancelled command records keyed by command ID,
// evicting the oldest-by-completion-time record once either a byte or a
// record-count cap is exceeded, and exposes a per-command completion
// signal for the Read-With-Wait Façade (C8).
package cache

import (
	"container/list"
	"sync"
	"time"

	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
)

// Stats reports current cache occupancy.
type Stats struct {
	Records int
	Bytes   int64
}

type entry struct {
	record    *v1.CommandRecord
	sizeBytes int64
	elem      *list.Element // nil until the record is terminal and evictable
	pinned    int           // active readers; pinned entries are never evicted
	done      chan struct{} // closed once the record reaches a terminal state
}

// Cache is a bounded, thread-safe store of command records.
type Cache struct {
	mu         sync.Mutex
	records    map[string]*entry
	evictOrder *list.List // oldest-completed-first
	bytes      int64
	maxBytes   int64
	maxRecords int
}

// New constructs a cache bounded by maxBytes (total approximate payload
// size) and maxRecords (total record count, in-flight records included;
// only terminal records are evicted to meet it). Either limit may be zero
// to disable it.
func New(maxBytes int64, maxRecords int) *Cache {
	return &Cache{
		records:    make(map[string]*entry),
		evictOrder: list.New(),
		maxBytes:   maxBytes,
		maxRecords: maxRecords,
	}
}

// Put inserts or updates rec. Once rec.State is terminal it becomes
// eligible for eviction and its completion signal is closed, waking any
// Wait callers.
func (c *Cache) Put(rec *v1.CommandRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := rec.Clone()
	size := recordSize(clone)

	e, exists := c.records[rec.ID]
	if !exists {
		e = &entry{done: make(chan struct{})}
		c.records[rec.ID] = e
	} else {
		c.bytes -= e.sizeBytes
		if e.elem != nil {
			c.evictOrder.Remove(e.elem)
			e.elem = nil
		}
	}

	e.record = clone
	e.sizeBytes = size
	c.bytes += size

	if clone.State.Terminal() {
		e.elem = c.evictOrder.PushBack(e)
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}

	c.evictLocked()
}

// Get returns a copy of the record for id, cloned under the cache lock so a
// concurrent Put-triggered eviction can't race a caller still reading it.
// Get does not pin the record. Callers that need the record stable for longer should call Pin/Unpin.
func (c *Cache) Get(id string) (*v1.CommandRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return e.record.Clone(), true
}

// DoneChan returns the channel that closes when id reaches a terminal
// state, or nil if id is unknown. Used by the façade's bounded wait.
func (c *Cache) DoneChan(id string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.records[id]
	if !ok {
		return nil
	}
	return e.done
}

// Pin marks id as currently being read, excluding it from eviction until
// Unpin is called. Safe to call on an unknown id (no-op).
func (c *Cache) Pin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.records[id]; ok {
		e.pinned++
	}
}

// Unpin releases a Pin.
func (c *Cache) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.records[id]; ok && e.pinned > 0 {
		e.pinned--
		c.evictLocked()
	}
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Records: len(c.records), Bytes: c.bytes}
}

// Clear empties the cache, waking every pending waiter.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.records {
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}
	c.records = make(map[string]*entry)
	c.evictOrder = list.New()
	c.bytes = 0
}

// evictLocked removes the oldest completed, unpinned records until both
// caps are satisfied. Must be called with c.mu held.
func (c *Cache) evictLocked() {
	for {
		overBytes := c.maxBytes > 0 && c.bytes > c.maxBytes
		overCount := c.maxRecords > 0 && len(c.records) > c.maxRecords
		if !overBytes && !overCount {
			return
		}

		front := c.evictOrder.Front()
		if front == nil {
			return // nothing evictable left (all remaining are in-flight or pinned)
		}
		e := front.Value.(*entry)
		if e.pinned > 0 {
			// Oldest evictable candidate is pinned; nothing further back is
			// older, but a later entry might still be safely droppable —
			// scan forward rather than stall the whole cache.
			moved := false
			for el := front.Next(); el != nil; el = el.Next() {
				cand := el.Value.(*entry)
				if cand.pinned == 0 {
					c.evictOrder.MoveToFront(el)
					e = cand
					front = el
					moved = true
					break
				}
			}
			if !moved {
				return
			}
		}

		c.evictOrder.Remove(front)
		delete(c.records, e.record.ID)
		c.bytes -= e.sizeBytes
	}
}

func recordSize(rec *v1.CommandRecord) int64 {
	return int64(len(rec.Command) + len(rec.Output) + len(rec.Error) + len(rec.CancelReason) + 64)
}

// WaitUntilDone blocks until id's record is terminal or budget elapses,
// then returns the current snapshot. It never busy-polls: it parks on the
// record's done channel (or a timer) and returns whichever fires first.
func (c *Cache) WaitUntilDone(id string, budget time.Duration) (*v1.CommandRecord, bool) {
	done := c.DoneChan(id)
	if done == nil {
		return nil, false
	}

	c.Pin(id)
	defer c.Unpin(id)

	if budget <= 0 {
		rec, ok := c.Get(id)
		return rec, ok
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}
	return c.Get(id)
}
