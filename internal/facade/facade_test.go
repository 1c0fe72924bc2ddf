package facade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/cdbsrv/internal/config"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
	"github.com/kandev/cdbsrv/internal/session"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDump(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash.dmp")
	require.NoError(t, os.WriteFile(path, []byte("fake dump"), 0o644))
	return path
}

func newTestFacade(t *testing.T) (*Facade, *driver.Fake) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	bus := notify.NewMemoryBus(log)

	var fake *driver.Fake
	mgr := session.New(config.SessionConfig{
		MaxConcurrentSessions:  5,
		IdleTimeout:            time.Hour,
		SweeperInterval:        time.Hour,
		CacheMaxRecords:        100,
		DefaultCommandTimeout:  time.Second,
		ShortCommandTimeout:    time.Second,
		LongCommandTimeout:     time.Second,
		ChildStartTimeout:      time.Second,
		CreateReadyPollTimeout: time.Second,
		StopGracePeriod:        time.Second,
	}, config.DebuggerConfig{}, bus, func() driver.ChildDriver {
		fake = driver.NewFake()
		return fake
	}, log)

	t.Cleanup(func() { mgr.Dispose(context.Background()) })

	return New(mgr, log), fake
}

func createActiveSession(t *testing.T, f *Facade) *v1.Session {
	t.Helper()
	sess, err := f.CreateSession(context.Background(), testDump(t), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := f.GetSession(sess.ID)
		return ok && s.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)
	return sess
}

func TestFacade_CreateSessionBecomesVisible(t *testing.T) {
	f, _ := newTestFacade(t)
	sess := createActiveSession(t, f)

	assert.True(t, f.SessionExists(sess.ID))
	sessions := f.ListSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)
}

func TestFacade_EnqueueAndReadCommandResult(t *testing.T) {
	f, fake := newTestFacade(t)
	sess := createActiveSession(t, f)

	fake.OnCommand("version", func(string) (string, driver.ExitReason, time.Duration) {
		return "Debugger 10.0\n0:000>", driver.ExitNormal, 0
	})

	rec, err := f.EnqueueCommand(sess.ID, "version")
	require.NoError(t, err)
	assert.Equal(t, v1.CommandStateQueued, rec.State)

	view, err := f.ReadCommandResult(sess.ID, rec.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, v1.CommandStateCompleted, view.State)
	assert.Contains(t, view.Output, "Debugger 10.0")
	assert.Empty(t, view.Note)
}

func TestFacade_ReadCommandResult_ZeroWaitReturnsImmediately(t *testing.T) {
	f, fake := newTestFacade(t)
	sess := createActiveSession(t, f)

	fake.OnCommand("g", func(string) (string, driver.ExitReason, time.Duration) {
		return "0:000>", driver.ExitNormal, 50 * time.Millisecond
	})

	rec, err := f.EnqueueCommand(sess.ID, "g")
	require.NoError(t, err)

	view, err := f.ReadCommandResult(sess.ID, rec.ID, 0)
	require.NoError(t, err)
	assert.NotEqual(t, v1.CommandStateCompleted, view.State)
	assert.Contains(t, view.Note, "waited up to")
}

func TestFacade_ReadCommandResult_ClampsOversizedBudget(t *testing.T) {
	f, fake := newTestFacade(t)
	sess := createActiveSession(t, f)

	fake.OnCommand("version", func(string) (string, driver.ExitReason, time.Duration) {
		return "0:000>", driver.ExitNormal, 0
	})

	rec, err := f.EnqueueCommand(sess.ID, "version")
	require.NoError(t, err)

	view, err := f.ReadCommandResult(sess.ID, rec.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, v1.CommandStateCompleted, view.State)
}

func TestFacade_CancelCommand(t *testing.T) {
	f, fake := newTestFacade(t)
	sess := createActiveSession(t, f)

	fake.OnCommand("g", func(string) (string, driver.ExitReason, time.Duration) {
		return "0:000>", driver.ExitNormal, time.Second
	})

	rec, err := f.EnqueueCommand(sess.ID, "g")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cmds, err := f.ListCommands(sess.ID)
		require.NoError(t, err)
		for _, c := range cmds {
			if c.CommandID == rec.ID {
				return c.State == v1.CommandStateExecuting
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.CancelCommand(sess.ID, rec.ID, "test cancel"))

	view, err := f.ReadCommandResult(sess.ID, rec.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, v1.CommandStateCancelled, view.State)
}

func TestFacade_ReadCommandResult_UnknownCommand(t *testing.T) {
	f, _ := newTestFacade(t)
	sess := createActiveSession(t, f)

	_, err := f.ReadCommandResult(sess.ID, "nope", time.Second)
	require.Error(t, err)
	assert.Equal(t, v1.ErrorNotFound, v1.KindOf(err))
}

func TestFacade_CloseSession(t *testing.T) {
	f, _ := newTestFacade(t)
	sess := createActiveSession(t, f)

	require.NoError(t, f.CloseSession(context.Background(), sess.ID, "test done"))

	s, ok := f.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, v1.SessionStatusClosed, s.Status)
	assert.Empty(t, f.ListSessions())
	assert.False(t, f.SessionExists(sess.ID), "session_exists must go false immediately after a successful close")
}
