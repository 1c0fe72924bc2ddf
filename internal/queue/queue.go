package queue

import (
	"container/list"
	"errors"
	"sync"

	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
)

// ErrQueueFull is returned when a session's queue is at capacity.
var ErrQueueFull = errors.New("command queue is full")

// fifo is a bounded, ID-indexed FIFO of pending commands. Grounded on the
// teacher's orchestrator/queue.TaskQueue, simplified from a priority heap
// to plain FIFO: spec §4.3 processes commands strictly in arrival order,
// there is no priority concept.
type fifo struct {
	mu      sync.Mutex
	order   *list.List
	index   map[string]*list.Element
	maxSize int
}

func newFIFO(maxSize int) *fifo {
	return &fifo{
		order:   list.New(),
		index:   make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

func (q *fifo) push(rec *v1.CommandRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && q.order.Len() >= q.maxSize {
		return ErrQueueFull
	}

	elem := q.order.PushBack(rec)
	q.index[rec.ID] = elem
	return nil
}

func (q *fifo) pop() *v1.CommandRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.order.Front()
	if front == nil {
		return nil
	}
	rec := front.Value.(*v1.CommandRecord)
	q.order.Remove(front)
	delete(q.index, rec.ID)
	return rec
}

// remove removes id from the queue before it is dequeued; returns false if
// id was not pending (already running or unknown).
func (q *fifo) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.index[id]
	if !ok {
		return false
	}
	q.order.Remove(elem)
	delete(q.index, id)
	return true
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

func (q *fifo) list() []*v1.CommandRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*v1.CommandRecord, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		result = append(result, e.Value.(*v1.CommandRecord))
	}
	return result
}
