// Package facade implements the Read-With-Wait Façade (C8, spec §4.8): the
// public operation surface every transport (REST, MCP, ...) is built on.
// It is a thin wrapper over the Session Lifecycle Manager, Command Queue
// Engine, and Result Cache — its only real logic is read_command_result's
// cooperative bounded wait.
package facade

import (
	"context"
	"time"

	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/session"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"go.uber.org/zap"
)

// MaxReadWait bounds read_command_result's requested wait, however large a
// caller asks for: the façade never blocks indefinitely on a stuck child.
const MaxReadWait = 60 * time.Second

// Facade exposes the public operations of spec §4.8/§6.
type Facade struct {
	sessions *session.Manager
	logger   *logger.Logger
}

// New constructs a Facade bound to a session manager.
func New(sessions *session.Manager, log *logger.Logger) *Facade {
	return &Facade{
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "facade")),
	}
}

// CreateSession starts a new debugger session against dumpPath, optionally
// pointed at symbolsPath. Returns the session metadata immediately in the
// Initializing state; the debugger child finishes starting asynchronously.
func (f *Facade) CreateSession(ctx context.Context, dumpPath, symbolsPath string) (*v1.Session, error) {
	return f.sessions.Create(ctx, dumpPath, symbolsPath)
}

// CloseSession tears a session down and releases its resources.
func (f *Facade) CloseSession(ctx context.Context, sessionID, reason string) error {
	return f.sessions.Close(ctx, sessionID, reason)
}

// ListSessions returns metadata for every non-terminal session.
func (f *Facade) ListSessions() []*v1.Session {
	return f.sessions.ListActive()
}

// SessionExists reports whether sessionID names a known, non-terminal
// session; closed and expired sessions report false.
func (f *Facade) SessionExists(sessionID string) bool {
	return f.sessions.Exists(sessionID)
}

// GetSession returns a session's current metadata snapshot.
func (f *Facade) GetSession(sessionID string) (*v1.Session, bool) {
	return f.sessions.Get(sessionID)
}

// EnqueueCommand admits command text for execution in sessionID and
// returns its assigned ID; enqueue itself never blocks on execution.
func (f *Facade) EnqueueCommand(sessionID, command string) (*v1.CommandRecord, error) {
	q, err := f.sessions.GetQueue(sessionID)
	if err != nil {
		return nil, err
	}
	f.sessions.UpdateActivity(sessionID)
	return q.Enqueue(command)
}

// ListCommands returns the commands this session has queued whose records
// are still held in the result cache, in enqueue order; evicted commands
// are omitted.
func (f *Facade) ListCommands(sessionID string) ([]*v1.CommandRecordView, error) {
	q, err := f.sessions.GetQueue(sessionID)
	if err != nil {
		return nil, err
	}
	return q.GetAllInfos(), nil
}

// CancelCommand cancels a queued or in-flight command.
func (f *Facade) CancelCommand(sessionID, commandID, reason string) error {
	q, err := f.sessions.GetQueue(sessionID)
	if err != nil {
		return err
	}
	f.sessions.UpdateActivity(sessionID)
	return q.Cancel(commandID, reason)
}

// ReadCommandResult returns the finalized record for commandID if it is
// already done. Otherwise it cooperatively waits up to maxWait (clamped to
// MaxReadWait) on the command's own completion signal — never a busy-poll,
// never unbounded — and, if the budget expires first, returns the current
// in-flight snapshot annotated with a note explaining the timeout.
func (f *Facade) ReadCommandResult(sessionID, commandID string, maxWait time.Duration) (*v1.CommandRecordView, error) {
	q, err := f.sessions.GetQueue(sessionID)
	if err != nil {
		return nil, err
	}

	if _, ok := q.GetInfo(commandID); !ok {
		return nil, v1.NewError(v1.ErrorNotFound, "command %s not found in session %s", commandID, sessionID)
	}

	if maxWait < 0 {
		maxWait = 0
	}
	if maxWait > MaxReadWait {
		maxWait = MaxReadWait
	}

	cache := f.sessions.CacheFor(sessionID)
	if cache == nil {
		return nil, v1.NewError(v1.ErrorNotFound, "session %s not found", sessionID)
	}

	rec, ok := cache.WaitUntilDone(commandID, maxWait)
	if !ok {
		return nil, v1.NewError(v1.ErrorNotFound, "command %s not found in session %s", commandID, sessionID)
	}

	f.sessions.UpdateActivity(sessionID)

	if rec.State.Terminal() {
		return v1.ViewOf(rec, ""), nil
	}

	note := "not finished yet; waited up to " + maxWait.String()
	return v1.ViewOf(rec, note), nil
}
