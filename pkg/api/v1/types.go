// Package v1 holds the wire-level data types shared between the core
// engine and any transport built on top of it.
package v1

import "time"

// SessionStatus is the lifecycle state of a debugger session.
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusClosing      SessionStatus = "closing"
	SessionStatusClosed       SessionStatus = "closed"
	SessionStatusFaulted      SessionStatus = "faulted"
)

// Terminal reports whether the status can never transition further.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusClosed || s == SessionStatusFaulted
}

// CommandState is the lifecycle state of a single queued command.
type CommandState string

const (
	CommandStateQueued    CommandState = "queued"
	CommandStateExecuting CommandState = "executing"
	CommandStateCompleted CommandState = "completed"
	CommandStateFailed    CommandState = "failed"
	CommandStateCancelled CommandState = "cancelled"
)

// Terminal reports whether the state is one of the finalized states.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandStateCompleted, CommandStateFailed, CommandStateCancelled:
		return true
	default:
		return false
	}
}

// Session is the metadata record for one live or historical debugger session.
// The queue, cache, and debugger child it owns are held by internal/session,
// not embedded here, so this type stays a plain, copyable snapshot.
type Session struct {
	ID           string        `json:"id"`
	DumpPath     string        `json:"dump_path"`
	SymbolsPath  string        `json:"symbols_path,omitempty"`
	ProcessID    int           `json:"process_id,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// CommandRecord is the finalized-or-in-flight description of one command.
type CommandRecord struct {
	ID                string       `json:"command_id"`
	SessionID         string       `json:"session_id"`
	Command           string       `json:"command"`
	State             CommandState `json:"state"`
	QueuedAt          time.Time    `json:"queued_at"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	Output            string       `json:"output,omitempty"`
	Error             string       `json:"error,omitempty"`
	CancelReason      string       `json:"cancel_reason,omitempty"`
	EffectiveTimeout  time.Duration `json:"effective_timeout_ns,omitempty"`
}

// Clone returns a value copy safe to hand to a reader while the original
// is still owned by the queue worker.
func (r *CommandRecord) Clone() *CommandRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// CommandRecordView is the façade-level read model: a CommandRecord plus an
// optional note explaining a read-with-wait budget expiry (spec §4.8, §6).
type CommandRecordView struct {
	SessionID   string       `json:"session_id"`
	CommandID   string       `json:"command_id"`
	Command     string       `json:"command"`
	State       CommandState `json:"state"`
	QueuedAt    time.Time    `json:"queued_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Output      string       `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	Note        string       `json:"note,omitempty"`
}

// ViewOf builds the façade read model out of a CommandRecord snapshot.
func ViewOf(r *CommandRecord, note string) *CommandRecordView {
	return &CommandRecordView{
		SessionID:   r.SessionID,
		CommandID:   r.ID,
		Command:     r.Command,
		State:       r.State,
		QueuedAt:    r.QueuedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Output:      r.Output,
		Error:       r.Error,
		Note:        note,
	}
}

// NotificationKind identifies the payload shape carried by a Notification.
type NotificationKind string

const (
	NotificationCommandStatus NotificationKind = "command_status"
	NotificationSessionEvent  NotificationKind = "session_event"
	NotificationRecoveryEvent NotificationKind = "recovery_event"
)

// Notification is the value object fanned out by the notification bus (C7).
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`

	// CommandStatus fields
	CommandID   string `json:"command_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	CommandText string `json:"command_text,omitempty"`
	Status      string `json:"status,omitempty"`
	Progress    *int   `json:"progress,omitempty"`
	Message     string `json:"message,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`

	// SessionEvent fields
	Event       string `json:"event,omitempty"` // created | ready | faulted | closed | expired
	Description string `json:"description,omitempty"`

	// RecoveryEvent fields
	Step    string `json:"step,omitempty"`
	Success bool   `json:"success,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorKind is the taxonomy from spec §7 — a tag, not a Go error type, so
// it round-trips cleanly through a request/response transport.
type ErrorKind string

const (
	ErrorInvalidInput        ErrorKind = "invalid_input"
	ErrorResourceLimit       ErrorKind = "resource_limit"
	ErrorNotFound            ErrorKind = "not_found"
	ErrorSessionNotActive    ErrorKind = "session_not_active"
	ErrorChildStartupFailure ErrorKind = "child_startup_failure"
	ErrorCommandTimeout      ErrorKind = "command_timeout"
	ErrorChildFault          ErrorKind = "child_fault"
	ErrorCancelled           ErrorKind = "cancelled"
	ErrorInternal            ErrorKind = "internal"
)
