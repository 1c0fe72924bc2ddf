// Package recovery implements the Recovery Subsystem (C5, spec §4.5): a
// two-stage response to a debugger child fault (cancel-in-place, then
// force-restart) with a consecutive-recovery counter that trips a session
// to the terminal Faulted state once exhausted.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/session"
	"go.uber.org/zap"
)

// Subsystem drives recovery for every session a Manager tracks.
type Subsystem struct {
	mgr    *session.Manager
	logger *logger.Logger

	healthMu    sync.Mutex
	healthCache map[string]healthEntry
}

type healthEntry struct {
	healthy   bool
	expiresAt time.Time
}

// New constructs a Subsystem bound to mgr. Call mgr.SetRecoveryHook(sub.HandleFault)
// to wire it in.
func New(mgr *session.Manager, log *logger.Logger) *Subsystem {
	return &Subsystem{
		mgr:         mgr,
		logger:      log.WithFields(zap.String("component", "recovery")),
		healthCache: make(map[string]healthEntry),
	}
}

// HandleFault is the session.RecoveryHook: it runs recovery in its own
// goroutine so the queue worker that observed the fault is never blocked
// by recovery's own timeouts.
func (s *Subsystem) HandleFault(sessionID string, cause error) {
	go s.recover(sessionID, cause)
}

func (s *Subsystem) recover(sessionID string, cause error) {
	budget := s.mgr.HealthProbeTimeout() + s.mgr.RestartSettleDelay() + 10*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	count := s.mgr.IncrementRecoveryCount(sessionID)
	if count > s.mgr.MaxConsecutiveRecoveries() {
		reason := fmt.Sprintf("exceeded %d consecutive recoveries: %v", s.mgr.MaxConsecutiveRecoveries(), cause)
		s.mgr.MarkFaulted(sessionID, reason)
		s.mgr.PublishRecoveryEvent(sessionID, "exhausted", false, reason)
		return
	}

	s.invalidateHealth(sessionID)

	if ok := s.safeStep(sessionID, "cancel_in_place", func() error {
		return s.mgr.CancelAllCommands(sessionID, "recovering from debugger child fault: "+cause.Error())
	}); ok {
		if s.IsSessionHealthy(ctx, sessionID) {
			s.mgr.PublishRecoveryEvent(sessionID, "cancel_in_place", true, "session healthy after cancelling in-flight work")
			s.mgr.ResetRecoveryCount(sessionID)
			return
		}
	}

	if ok := s.safeStep(sessionID, "force_restart", func() error {
		return s.mgr.RestartChild(ctx, sessionID)
	}); !ok {
		return
	}

	time.Sleep(s.mgr.RestartSettleDelay())
	s.invalidateHealth(sessionID)
	s.mgr.PublishRecoveryEvent(sessionID, "force_restart", true, "")
	s.mgr.ResetRecoveryCount(sessionID)
}

// safeStep runs fn, converting both a returned error and a recovered panic
// into a failed RecoveryEvent (Open Question #3: every recovery step must
// be unable to crash the subsystem, since a misbehaving debugger child
// fault could otherwise repeat indefinitely).
func (s *Subsystem) safeStep(sessionID, step string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovery step panicked", zap.String("session_id", sessionID), zap.String("step", step), zap.Any("panic", r))
			s.mgr.PublishRecoveryEvent(sessionID, step, false, fmt.Sprintf("panic: %v", r))
			ok = false
		}
	}()

	if err := fn(); err != nil {
		s.mgr.PublishRecoveryEvent(sessionID, step, false, err.Error())
		return false
	}
	return true
}

// IsSessionHealthy reports whether id's debugger child is running
// (ChildDriver.IsActive), caching the result for HealthCacheTTL. It sends
// no probe command to the child, so a running but unresponsive child
// reports healthy.
func (s *Subsystem) IsSessionHealthy(ctx context.Context, sessionID string) bool {
	if healthy, ok := s.cachedHealth(sessionID); ok {
		return healthy
	}

	drv, ok := s.mgr.Driver(sessionID)
	healthy := ok && drv.IsActive()

	s.healthMu.Lock()
	s.healthCache[sessionID] = healthEntry{healthy: healthy, expiresAt: time.Now().Add(s.mgr.HealthCacheTTL())}
	s.healthMu.Unlock()

	return healthy
}

func (s *Subsystem) cachedHealth(sessionID string) (bool, bool) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	e, ok := s.healthCache[sessionID]
	if !ok || time.Now().After(e.expiresAt) {
		return false, false
	}
	return e.healthy, true
}

func (s *Subsystem) invalidateHealth(sessionID string) {
	s.healthMu.Lock()
	delete(s.healthCache, sessionID)
	s.healthMu.Unlock()
}
