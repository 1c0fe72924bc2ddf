// Package session implements the Session Lifecycle Manager (C6, spec
// §4.6): it owns the session table outright (Open Question #1), mints
// sessions, starts and tears down their debugger child + queue engine,
// and sweeps idle sessions away on a timer.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/cdbsrv/internal/cache"
	"github.com/kandev/cdbsrv/internal/config"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/idgen"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
	"github.com/kandev/cdbsrv/internal/queue"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DriverFactory constructs a fresh, unstarted ChildDriver for one session.
// Production wiring supplies driver.NewProcess; tests supply a function
// returning a *driver.Fake.
type DriverFactory func() driver.ChildDriver

// Stats summarizes the session table for observability endpoints.
type Stats struct {
	Total   int
	Active  int
	Faulted int
	Closed  int
}

// Manager is the Session Lifecycle Manager.
type Manager struct {
	cfg           config.SessionConfig
	debuggerCfg   config.DebuggerConfig
	bus           notify.Bus
	driverFactory DriverFactory
	logger        *logger.Logger
	recovery      RecoveryHook
	audit         AuditSink

	store     *store
	admission *semaphore.Weighted

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// RecoveryHook lets the Recovery Subsystem (C5) observe a command-execution
// fault and decide whether/how to recover the session. Wired by main via
// recovery.Subsystem.HandleFault, kept as a func type here so this package
// never imports internal/recovery (recovery depends on *session.Manager
// instead, avoiding an import cycle).
type RecoveryHook func(sessionID string, faultErr error)

// AuditSink durably records every notification a session emits. Kept as
// a narrow interface so this package never imports internal/audit.
type AuditSink interface {
	Record(v1.Notification)
}

// New constructs a Manager. SetRecoveryHook must be called before Create
// is used if recovery is desired; a nil hook means faults are only logged.
func New(cfg config.SessionConfig, debuggerCfg config.DebuggerConfig, bus notify.Bus, factory DriverFactory, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:           cfg,
		debuggerCfg:   debuggerCfg,
		bus:           bus,
		driverFactory: factory,
		logger:        log.WithFields(zap.String("component", "session-manager")),
		store:         newStore(),
		admission:     semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		stopCh:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// SetRecoveryHook wires the Recovery Subsystem's fault handler.
func (m *Manager) SetRecoveryHook(hook RecoveryHook) {
	m.recovery = hook
}

// SetAuditSink wires a durable audit sink. Every session created after
// this call forwards its full notification stream to sink.Record.
func (m *Manager) SetAuditSink(sink AuditSink) {
	m.audit = sink
}

// Create validates inputs, admits a new session under the concurrency cap,
// and starts its debugger child asynchronously: the session is visible and
// can accept Enqueue calls (Status Initializing) before the child finishes
// starting.
func (m *Manager) Create(ctx context.Context, dumpPath, symbolsPath string) (*v1.Session, error) {
	if err := idgen.ValidatePath(dumpPath, "dump path", true); err != nil {
		return nil, v1.NewError(v1.ErrorInvalidInput, "%s", err)
	}
	if symbolsPath != "" {
		if err := idgen.ValidatePath(symbolsPath, "symbols path", false); err != nil {
			return nil, v1.NewError(v1.ErrorInvalidInput, "%s", err)
		}
	}

	if !m.admission.TryAcquire(1) {
		return nil, v1.NewError(v1.ErrorResourceLimit, "max concurrent sessions (%d) reached", m.cfg.MaxConcurrentSessions)
	}

	id := idgen.NewSessionID()
	now := time.Now()
	sessionCtx, cancel := context.WithCancel(context.Background())

	e := &entry{
		meta: v1.Session{
			ID:           id,
			DumpPath:     dumpPath,
			SymbolsPath:  symbolsPath,
			Status:       v1.SessionStatusInitializing,
			CreatedAt:    now,
			LastActivity: now,
		},
		driver: m.driverFactory(),
		cache:  cache.New(m.cfg.CacheMemoryCapBytes, m.cfg.CacheMaxRecords),
		ctx:    sessionCtx,
		cancel: cancel,
	}

	e.engine = queue.New(queue.Config{
		SessionID: id,
		Driver:    e.driver,
		Cache:     e.cache,
		Bus:       m.bus,
		Categories: queue.TimeoutCategories{
			Default: m.cfg.DefaultCommandTimeout,
			Short:   m.cfg.ShortCommandTimeout,
			Long:    m.cfg.LongCommandTimeout,
		},
		OnFault: func(err error) { m.handleFault(id, err) },
		Logger:  m.logger,
	})

	e.startOpts = m.buildStartOptions(e)

	m.store.add(e)
	m.publishSessionEvent(id, "created", "")

	if m.audit != nil {
		go m.forwardToAudit(sessionCtx, id)
	}
	go m.startChild(sessionCtx, e)

	return e.snapshot(), nil
}

func (m *Manager) buildStartOptions(e *entry) driver.StartOptions {
	return driver.StartOptions{
		Target:        e.meta.DumpPath,
		Symbols:       e.meta.SymbolsPath,
		BinaryPath:    m.debuggerCfg.BinaryPath,
		StartTimeout:  m.cfg.ChildStartTimeout,
		SymbolTimeout: m.cfg.SymbolServerTimeout,
		SymbolRetries: m.cfg.SymbolServerRetries,
		UseSentinels:  m.debuggerCfg.UseSentinels,
	}
}

func (m *Manager) startChild(ctx context.Context, e *entry) {
	startCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateReadyPollTimeout+m.cfg.ChildStartTimeout)
	defer cancel()

	if err := e.driver.Start(startCtx, e.startOpts); err != nil {
		e.setStatus(v1.SessionStatusFaulted)
		m.logger.Error("debugger child failed to start", zap.String("session_id", e.meta.ID), zap.Error(err))
		m.publishSessionEvent(e.meta.ID, "faulted", err.Error())
		return
	}

	e.setProcessID(e.driver.ProcessID())
	e.setStatus(v1.SessionStatusActive)
	e.engine.SetReady()
	m.publishSessionEvent(e.meta.ID, "ready", "")
}

// forwardToAudit relays every notification sessionID emits to the audit
// sink until its bus subscription is dropped (on Close) or ctx ends.
func (m *Manager) forwardToAudit(ctx context.Context, sessionID string) {
	sub, err := m.bus.Subscribe(sessionID)
	if err != nil {
		m.logger.Warn("failed to subscribe audit forwarder", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			m.audit.Record(n)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleFault(sessionID string, faultErr error) {
	m.logger.Warn("command execution revealed a debugger child fault", zap.String("session_id", sessionID), zap.Error(faultErr))
	if m.recovery != nil {
		m.recovery(sessionID, faultErr)
	}
}

// Driver returns the debugger child driver backing id, for the Recovery
// Subsystem's health probes and restarts.
func (m *Manager) Driver(id string) (driver.ChildDriver, bool) {
	e, ok := m.store.get(id)
	if !ok {
		return nil, false
	}
	return e.driver, true
}

// CacheFor returns the result cache backing id, for the façade's
// read-with-wait operation. Returns nil if id is unknown.
func (m *Manager) CacheFor(id string) *cache.Cache {
	e, ok := m.store.get(id)
	if !ok {
		return nil
	}
	return e.cache
}

// HealthProbeTimeout and RestartSettleDelay expose tuning the Recovery
// Subsystem needs but that otherwise lives only in config.
func (m *Manager) HealthProbeTimeout() time.Duration { return m.cfg.HealthProbeTimeout }
func (m *Manager) HealthCacheTTL() time.Duration      { return m.cfg.HealthCacheTTL }
func (m *Manager) RestartSettleDelay() time.Duration  { return m.cfg.RestartSettleDelay }
func (m *Manager) MaxConsecutiveRecoveries() int      { return m.cfg.MaxConsecutiveRecoveries }

// CancelAllCommands cancels every pending and in-flight command for id,
// the Recovery Subsystem's "cancel in place" first-stage attempt.
func (m *Manager) CancelAllCommands(id, reason string) error {
	e, ok := m.store.get(id)
	if !ok {
		return v1.NewError(v1.ErrorNotFound, "session %s not found", id)
	}
	e.engine.CancelAll(reason)
	return nil
}

// RestartChild stops and relaunches id's debugger child in place, reusing
// the session's original dump/symbols/binary options. The queue engine
// survives the restart untouched since it only holds a ChildDriver
// reference, not a value.
func (m *Manager) RestartChild(ctx context.Context, id string) error {
	e, ok := m.store.get(id)
	if !ok {
		return v1.NewError(v1.ErrorNotFound, "session %s not found", id)
	}

	if err := e.driver.Stop(ctx, m.cfg.StopGracePeriod); err != nil {
		m.logger.Warn("error stopping child before restart", zap.String("session_id", id), zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateReadyPollTimeout+m.cfg.ChildStartTimeout)
	defer cancel()

	if err := e.driver.Start(startCtx, e.startOpts); err != nil {
		return v1.NewError(v1.ErrorChildStartupFailure, "%s", err)
	}
	e.setProcessID(e.driver.ProcessID())
	return nil
}

// IncrementRecoveryCount records one more recovery attempt for id and
// returns the new consecutive count.
func (m *Manager) IncrementRecoveryCount(id string) int {
	e, ok := m.store.get(id)
	if !ok {
		return 0
	}
	e.mu.Lock()
	e.consecutiveRecoveries++
	n := e.consecutiveRecoveries
	e.mu.Unlock()
	return n
}

// ResetRecoveryCount clears id's consecutive-recovery counter; the
// Recovery Subsystem calls it after a recovery step succeeds.
func (m *Manager) ResetRecoveryCount(id string) {
	if e, ok := m.store.get(id); ok {
		e.mu.Lock()
		e.consecutiveRecoveries = 0
		e.mu.Unlock()
	}
}

// MarkFaulted transitions id straight to the terminal Faulted state, used
// once the Recovery Subsystem exhausts its consecutive-recovery budget.
func (m *Manager) MarkFaulted(id, reason string) {
	m.markFaulted(id, reason)
}

// PublishRecoveryEvent fans out one recovery step's outcome.
func (m *Manager) PublishRecoveryEvent(sessionID, step string, success bool, reason string) {
	if err := m.bus.Publish(sessionID, v1.Notification{
		Kind:      v1.NotificationRecoveryEvent,
		SessionID: sessionID,
		Step:      step,
		Success:   success,
		Reason:    reason,
		Timestamp: time.Now(),
	}); err != nil {
		m.logger.Warn("failed to publish recovery event", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Exists reports whether id names a live (non-terminal) session. A closed
// or faulted session's entry remains in the table for history (Get,
// ListAll) but is not "exists" from the black-box caller's point of view:
// session_exists(id) must go false immediately after a successful
// close_session(id).
func (m *Manager) Exists(id string) bool {
	e, ok := m.store.get(id)
	if !ok {
		return false
	}
	return !e.status().Terminal()
}

// Get returns a metadata snapshot for id.
func (m *Manager) Get(id string) (*v1.Session, bool) {
	e, ok := m.store.get(id)
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// GetQueue returns the command queue engine for an active session.
func (m *Manager) GetQueue(id string) (*queue.Engine, error) {
	e, ok := m.store.get(id)
	if !ok {
		return nil, v1.NewError(v1.ErrorNotFound, "session %s not found", id)
	}
	if e.status().Terminal() {
		return nil, v1.NewError(v1.ErrorSessionNotActive, "session %s is %s", id, e.status())
	}
	return e.engine, nil
}

// TryGetQueue is GetQueue without the error-taxonomy wrapping, for
// callers that only need a bool. Unlike GetQueue it also returns the
// engine of a terminal session.
func (m *Manager) TryGetQueue(id string) (*queue.Engine, bool) {
	e, ok := m.store.get(id)
	if !ok {
		return nil, false
	}
	return e.engine, true
}

// GetContext returns the session-scoped context, cancelled when the
// session is closed or disposed.
func (m *Manager) GetContext(id string) (context.Context, bool) {
	e, ok := m.store.get(id)
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// UpdateActivity advances id's LastActivity to now, keeping it from being
// swept as idle. No-op if id is unknown.
func (m *Manager) UpdateActivity(id string) {
	if e, ok := m.store.get(id); ok {
		e.touchActivity(time.Now())
	}
}

// ListActive returns metadata for every non-terminal session.
func (m *Manager) ListActive() []*v1.Session {
	var result []*v1.Session
	for _, e := range m.store.list() {
		if !e.status().Terminal() {
			result = append(result, e.snapshot())
		}
	}
	return result
}

// ListAll returns metadata for every tracked session, including closed ones.
func (m *Manager) ListAll() []*v1.Session {
	entries := m.store.list()
	result := make([]*v1.Session, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.snapshot())
	}
	return result
}

// Stats summarizes the table.
func (m *Manager) Stats() Stats {
	var s Stats
	for _, e := range m.store.list() {
		s.Total++
		switch e.status() {
		case v1.SessionStatusFaulted:
			s.Faulted++
		case v1.SessionStatusClosed:
			s.Closed++
		default:
			s.Active++
		}
	}
	return s
}

// Close tears a session down: cancels its in-flight work, stops its
// debugger child, releases its admission slot, and marks it Closed. The
// entry itself remains in the table so callers can still observe the
// final status and command history.
func (m *Manager) Close(ctx context.Context, id, reason string) error {
	e, ok := m.store.get(id)
	if !ok {
		return v1.NewError(v1.ErrorNotFound, "session %s not found", id)
	}
	if e.status().Terminal() {
		return nil
	}

	e.setStatus(v1.SessionStatusClosing)
	e.engine.CancelAll(reason)

	if err := e.engine.Dispose(ctx); err != nil {
		m.logger.Warn("queue engine disposal did not complete cleanly", zap.String("session_id", id), zap.Error(err))
	}
	if err := e.driver.Stop(ctx, m.cfg.StopGracePeriod); err != nil {
		m.logger.Warn("debugger child stop did not complete cleanly", zap.String("session_id", id), zap.Error(err))
	}

	e.cancel()
	m.bus.Drop(id)
	e.setStatus(v1.SessionStatusClosed)
	e.admissionReleased.Do(func() { m.admission.Release(1) })

	m.publishSessionEvent(id, "closed", reason)
	return nil
}

// markFaulted transitions a session straight to Faulted, used by the
// Recovery Subsystem once consecutive recoveries are exhausted.
func (m *Manager) markFaulted(id, reason string) {
	if e, ok := m.store.get(id); ok {
		e.setStatus(v1.SessionStatusFaulted)
		e.admissionReleased.Do(func() { m.admission.Release(1) })
		m.publishSessionEvent(id, "faulted", reason)
	}
}

// CleanupExpired closes every active session whose LastActivity is older
// than IdleTimeout, publishing an "expired" session event for each before
// closing it.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	var closed int
	for _, e := range m.store.list() {
		if e.status().Terminal() {
			continue
		}
		e.mu.RLock()
		last := e.meta.LastActivity
		e.mu.RUnlock()
		if last.Before(cutoff) {
			m.publishSessionEvent(e.meta.ID, "expired", "idle timeout")
			if err := m.Close(ctx, e.meta.ID, "idle timeout"); err != nil {
				m.logger.Warn("failed to close idle session", zap.String("session_id", e.meta.ID), zap.Error(err))
				continue
			}
			closed++
		}
	}
	return closed
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	interval := m.cfg.SweeperInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopGracePeriod+5*time.Second)
			if n := m.CleanupExpired(ctx); n > 0 {
				m.logger.Info("swept idle sessions", zap.Int("count", n))
			}
			cancel()
		}
	}
}

func (m *Manager) publishSessionEvent(sessionID, event, description string) {
	if err := m.bus.Publish(sessionID, v1.Notification{
		Kind:        v1.NotificationSessionEvent,
		SessionID:   sessionID,
		Event:       event,
		Description: description,
		Timestamp:   time.Now(),
	}); err != nil {
		m.logger.Warn("failed to publish session event", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Dispose stops the sweeper and closes every non-terminal session.
func (m *Manager) Dispose(ctx context.Context) error {
	close(m.stopCh)
	m.wg.Wait()

	for _, e := range m.store.list() {
		if !e.status().Terminal() {
			if err := m.Close(ctx, e.meta.ID, "server shutdown"); err != nil {
				m.logger.Warn("failed to close session during shutdown", zap.String("session_id", e.meta.ID), zap.Error(err))
			}
		}
	}
	return nil
}
