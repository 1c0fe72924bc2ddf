// Package queue implements the Command Queue Engine (C3, spec §4.3): one
// FIFO queue and one dedicated worker goroutine per session, driving a
// ChildDriver, recording results in the Result Cache, and publishing
// Notification Bus events for every state transition.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/cdbsrv/internal/cache"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/idgen"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"go.uber.org/zap"
)

// FaultHandler is invoked when a command execution reveals the debugger
// child has faulted (ExitFault) or a command timed out (ExitTimeout), so
// the Recovery Subsystem (C5) can act.
type FaultHandler func(err error)

// Engine is the per-session command queue + worker.
type Engine struct {
	sessionID string
	driver    driver.ChildDriver
	cache     *cache.Cache
	bus       notify.Bus
	cats      TimeoutCategories
	onFault   FaultHandler
	logger    *logger.Logger

	ctx context.Context

	queue *fifo

	idsMu sync.Mutex
	ids   []string

	ready     chan struct{}
	readyOnce sync.Once

	wakeCh   chan struct{}
	stopCh   chan struct{}
	disposed atomic.Bool

	currentMu     sync.Mutex
	currentID     string
	currentCancel chan struct{}

	wg sync.WaitGroup
}

// Config bundles the construction-time dependencies for an Engine.
type Config struct {
	SessionID    string
	Driver       driver.ChildDriver
	Cache        *cache.Cache
	Bus          notify.Bus
	Categories   TimeoutCategories
	MaxQueueSize int
	OnFault      FaultHandler
	Logger       *logger.Logger
}

// New constructs an Engine and starts its worker goroutine. The worker
// stays parked until SetReady is called (Open Question #2: enqueue is
// legal while the session is still Initializing, but nothing dequeues
// until the debugger child has announced its first prompt).
func New(cfg Config) *Engine {
	e := &Engine{
		sessionID: cfg.SessionID,
		driver:    cfg.Driver,
		cache:     cfg.Cache,
		bus:       cfg.Bus,
		cats:      cfg.Categories,
		onFault:   cfg.OnFault,
		logger:    cfg.Logger.WithFields(zap.String("component", "queue-engine"), zap.String("session_id", cfg.SessionID)),
		ctx:       context.Background(),
		queue:     newFIFO(cfg.MaxQueueSize),
		ready:     make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	e.wg.Add(1)
	go e.run()
	return e
}

// SetReady unblocks the worker so it can begin dequeuing. Safe to call
// more than once; only the first call has effect.
func (e *Engine) SetReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

// IsReady reports whether SetReady has been called.
func (e *Engine) IsReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Enqueue admits a new command and returns its record. Legal even before
// the session is ready; the worker simply won't pick it up yet.
func (e *Engine) Enqueue(command string) (*v1.CommandRecord, error) {
	if e.disposed.Load() {
		return nil, fmt.Errorf("queue engine for session %s is disposed", e.sessionID)
	}
	if err := idgen.ValidateID(command, "command"); err != nil {
		return nil, err
	}

	rec := &v1.CommandRecord{
		ID:        idgen.NewCommandID(),
		SessionID: e.sessionID,
		Command:   command,
		State:     v1.CommandStateQueued,
		QueuedAt:  time.Now(),
	}

	if err := e.queue.push(rec); err != nil {
		return nil, err
	}

	e.idsMu.Lock()
	e.ids = append(e.ids, rec.ID)
	e.idsMu.Unlock()

	e.cache.Put(rec)
	e.publish(v1.Notification{
		Kind:        v1.NotificationCommandStatus,
		SessionID:   e.sessionID,
		CommandID:   rec.ID,
		CommandText: rec.Command,
		Status:      string(v1.CommandStateQueued),
		Timestamp:   rec.QueuedAt,
	})

	select {
	case e.wakeCh <- struct{}{}:
	default:
	}

	return rec.Clone(), nil
}

// GetInfo returns the current view of one command, if known.
func (e *Engine) GetInfo(id string) (*v1.CommandRecordView, bool) {
	rec, ok := e.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v1.ViewOf(rec, ""), true
}

// GetAllInfos returns views for every command this engine has ever seen,
// in enqueue order. A command whose record has since been evicted from
// the cache is omitted.
func (e *Engine) GetAllInfos() []*v1.CommandRecordView {
	e.idsMu.Lock()
	ids := append([]string(nil), e.ids...)
	e.idsMu.Unlock()

	views := make([]*v1.CommandRecordView, 0, len(ids))
	for _, id := range ids {
		if rec, ok := e.cache.Get(id); ok {
			views = append(views, v1.ViewOf(rec, ""))
		}
	}
	return views
}

// Cancel cancels a pending or in-flight command. Returns an error if id is
// unknown or already terminal.
func (e *Engine) Cancel(id, reason string) error {
	if e.queue.remove(id) {
		rec, ok := e.cache.Get(id)
		if !ok {
			return fmt.Errorf("command %s not found", id)
		}
		rec.State = v1.CommandStateCancelled
		rec.CancelReason = reason
		now := time.Now()
		rec.CompletedAt = &now
		e.cache.Put(rec)
		e.publishTerminal(rec)
		return nil
	}

	e.currentMu.Lock()
	if e.currentID == id {
		close(e.currentCancel)
		e.currentCancel = make(chan struct{}) // replaced so a second Cancel call doesn't double-close
		e.currentMu.Unlock()
		e.driver.CancelCurrent()
		return nil
	}
	e.currentMu.Unlock()

	rec, ok := e.cache.Get(id)
	if !ok {
		return fmt.Errorf("command %s not found", id)
	}
	if rec.State.Terminal() {
		return fmt.Errorf("command %s already %s", id, rec.State)
	}
	return fmt.Errorf("command %s is not cancellable", id)
}

// CancelAll cancels every queued command and the in-flight one, if any.
func (e *Engine) CancelAll(reason string) {
	for {
		rec := e.queue.pop()
		if rec == nil {
			break
		}
		rec.State = v1.CommandStateCancelled
		rec.CancelReason = reason
		now := time.Now()
		rec.CompletedAt = &now
		e.cache.Put(rec)
		e.publishTerminal(rec)
	}

	e.currentMu.Lock()
	if e.currentCancel != nil {
		select {
		case <-e.currentCancel:
		default:
			close(e.currentCancel)
		}
	}
	e.currentMu.Unlock()
	e.driver.CancelCurrent()
}

// Dispose stops the worker goroutine. Safe to call more than once.
func (e *Engine) Dispose(ctx context.Context) error {
	if !e.disposed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) publish(n v1.Notification) {
	if err := e.bus.Publish(e.sessionID, n); err != nil {
		e.logger.Warn("failed to publish notification", zap.Error(err))
	}
}

func (e *Engine) publishTerminal(rec *v1.CommandRecord) {
	n := v1.Notification{
		Kind:        v1.NotificationCommandStatus,
		SessionID:   e.sessionID,
		CommandID:   rec.ID,
		CommandText: rec.Command,
		Status:      string(rec.State),
		Result:      rec.Output,
		Error:       rec.Error,
		Timestamp:   time.Now(),
	}
	if rec.CompletedAt != nil {
		n.Timestamp = *rec.CompletedAt
	}
	e.publish(n)
}

// run is the worker loop: grounded on the teacher's scheduler.processLoop
// idiom, adapted from a ticker-driven scan to a wake-channel-driven one
// since each session has exactly one command in flight at a time.
func (e *Engine) run() {
	defer e.wg.Done()

	select {
	case <-e.ready:
	case <-e.stopCh:
		return
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.wakeCh:
			e.drain()
		}
	}
}

func (e *Engine) drain() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		rec := e.queue.pop()
		if rec == nil {
			return
		}
		e.execute(rec)
	}
}

func (e *Engine) execute(rec *v1.CommandRecord) {
	startedAt := time.Now()
	rec.StartedAt = &startedAt
	rec.State = v1.CommandStateExecuting
	rec.EffectiveTimeout = EffectiveTimeout(rec.Command, e.cats)
	e.cache.Put(rec)
	e.publish(v1.Notification{
		Kind:        v1.NotificationCommandStatus,
		SessionID:   e.sessionID,
		CommandID:   rec.ID,
		CommandText: rec.Command,
		Status:      string(v1.CommandStateExecuting),
		Timestamp:   startedAt,
	})

	cancelCh := make(chan struct{})
	e.currentMu.Lock()
	e.currentID = rec.ID
	e.currentCancel = cancelCh
	e.currentMu.Unlock()

	output, reason, err := e.driver.Execute(e.ctx, rec.Command, cancelCh, rec.EffectiveTimeout)

	e.currentMu.Lock()
	e.currentID = ""
	e.currentCancel = nil
	e.currentMu.Unlock()

	completedAt := time.Now()
	rec.CompletedAt = &completedAt
	rec.Output = output

	switch reason {
	case driver.ExitNormal:
		rec.State = v1.CommandStateCompleted
	case driver.ExitTimeout:
		rec.State = v1.CommandStateFailed
		rec.Error = fmt.Sprintf("command timed out after %s", rec.EffectiveTimeout)
	case driver.ExitCancelled:
		rec.State = v1.CommandStateCancelled
		if rec.CancelReason == "" {
			rec.CancelReason = "cancelled"
		}
	case driver.ExitFault:
		rec.State = v1.CommandStateFailed
		if err != nil {
			rec.Error = err.Error()
		} else {
			rec.Error = "debugger child faulted"
		}
	}
	if err != nil && reason != driver.ExitCancelled && rec.Error == "" {
		rec.Error = err.Error()
	}

	e.cache.Put(rec)
	e.publishTerminal(rec)

	switch reason {
	case driver.ExitFault:
		if e.onFault != nil {
			e.onFault(err)
		}
	case driver.ExitTimeout:
		if e.onFault != nil {
			e.onFault(fmt.Errorf("command timeout %s", rec.ID))
		}
	}
}
