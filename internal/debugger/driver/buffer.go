package driver

import (
	"sync"
	"time"
)

// OutputLine is one line of raw debugger child output, tagged with the
// stream it came from. The ring buffer backs the per-session "tail" view
// used for diagnostics and for the live WebSocket notification stream.
type OutputLine struct {
	Timestamp time.Time
	Stream    string // "stdout" or "stderr"
	Content   string
}

// Subscriber receives output lines as they are produced.
type Subscriber chan OutputLine

// RingBuffer is a bounded, subscribable log of recent debugger output.
type RingBuffer struct {
	lines []OutputLine
	size  int
	head  int
	count int
	mu    sync.RWMutex

	subscribers map[Subscriber]struct{}
	subMu       sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding at most size lines.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		lines:       make([]OutputLine, size),
		size:        size,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Add appends line, evicting the oldest entry once the buffer is full, and
// fans it out to current subscribers without blocking on a slow reader.
func (b *RingBuffer) Add(line OutputLine) {
	b.mu.Lock()
	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
	b.mu.Unlock()

	b.subMu.RLock()
	for sub := range b.subscribers {
		select {
		case sub <- line:
		default:
		}
	}
	b.subMu.RUnlock()
}

// GetLast returns the last n lines, oldest first.
func (b *RingBuffer) GetLast(n int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]OutputLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		idx := (b.head + start + i) % b.size
		result[i] = b.lines[idx]
	}
	return result
}

// Subscribe registers a new real-time subscriber.
func (b *RingBuffer) Subscribe() Subscriber {
	sub := make(Subscriber, 100)
	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes and closes sub.
func (b *RingBuffer) Unsubscribe(sub Subscriber) {
	b.subMu.Lock()
	delete(b.subscribers, sub)
	b.subMu.Unlock()
	close(sub)
}
