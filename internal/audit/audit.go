// Package audit provides an append-only sqlite sink for every notification
// the system emits, grounded on the teacher's internal/db SQLite helpers
// and internal/user/store's schema-on-open repository shape.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/cdbsrv/internal/logger"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"go.uber.org/zap"
)

// Sink records a notification for durable audit. Implementations must
// never block the caller for long: the session manager forwards every
// session's live notification stream to Record synchronously, and a slow
// sink would back up that subscriber's channel.
type Sink interface {
	Record(v1.Notification)
}

const recordBuffer = 1024

// SQLiteSink is a Sink backed by a single-writer sqlite database. Records
// are appended from a dedicated worker goroutine so Record itself never
// touches the database.
type SQLiteSink struct {
	db     *sqlx.DB
	logger *logger.Logger

	in     chan v1.Notification
	stopCh chan struct{}
	doneCh chan struct{}
}

type auditRow struct {
	Timestamp time.Time `db:"timestamp"`
	Kind      string    `db:"kind"`
	SessionID string    `db:"session_id"`
	CommandID string    `db:"command_id"`
	Payload   string    `db:"payload"`
}

// NewSQLiteSink opens (creating if absent) a sqlite database at dbPath and
// starts the append worker.
func NewSQLiteSink(dbPath string, log *logger.Logger) (*SQLiteSink, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare audit database path: %w", err)
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create audit database file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		logger: log.WithFields(zap.String("component", "audit")),
		in:     make(chan v1.Notification, recordBuffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL,
	command_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id, timestamp);
`

// Record enqueues n for durable append. Non-blocking: a full buffer drops
// the record and logs a warning rather than stalling the publisher.
func (s *SQLiteSink) Record(n v1.Notification) {
	select {
	case s.in <- n:
	default:
		s.logger.Warn("dropping audit record, writer backlog full", zap.String("session_id", n.SessionID))
	}
}

func (s *SQLiteSink) run() {
	defer close(s.doneCh)
	for {
		select {
		case n := <-s.in:
			s.append(n)
		case <-s.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case n := <-s.in:
					s.append(n)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLiteSink) append(n v1.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.Warn("failed to marshal notification for audit", zap.Error(err))
		return
	}

	row := auditRow{
		Timestamp: n.Timestamp,
		Kind:      string(n.Kind),
		SessionID: n.SessionID,
		CommandID: n.CommandID,
		Payload:   string(payload),
	}

	if _, err := s.db.NamedExec(
		`INSERT INTO audit_log (timestamp, kind, session_id, command_id, payload)
		 VALUES (:timestamp, :kind, :session_id, :command_id, :payload)`,
		row,
	); err != nil {
		s.logger.Warn("failed to append audit record", zap.Error(err))
	}
}

// Query returns the most recent audit records for sessionID, newest first.
func (s *SQLiteSink) Query(ctx context.Context, sessionID string, limit int) ([]v1.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT timestamp, kind, session_id, command_id, payload FROM audit_log
		 WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}

	result := make([]v1.Notification, 0, len(rows))
	for _, r := range rows {
		var n v1.Notification
		if err := json.Unmarshal([]byte(r.Payload), &n); err != nil {
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

// Close stops the append worker and closes the database.
func (s *SQLiteSink) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
