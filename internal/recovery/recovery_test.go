package recovery

import (
	"context"
	"errors"
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
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
	return path
}

func setup(t *testing.T) (*session.Manager, *Subsystem, *driver.Fake) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	bus := notify.NewMemoryBus(log)

	var fake *driver.Fake
	mgr := session.New(config.SessionConfig{
		MaxConcurrentSessions:    5,
		IdleTimeout:              time.Hour,
		SweeperInterval:          time.Hour,
		CacheMaxRecords:          100,
		DefaultCommandTimeout:    time.Second,
		ShortCommandTimeout:      time.Second,
		LongCommandTimeout:       time.Second,
		ChildStartTimeout:        time.Second,
		CreateReadyPollTimeout:   time.Second,
		StopGracePeriod:          time.Second,
		HealthCacheTTL:           20 * time.Millisecond,
		HealthProbeTimeout:       time.Second,
		RestartSettleDelay:       time.Millisecond,
		MaxConsecutiveRecoveries: 2,
	}, config.DebuggerConfig{}, bus, func() driver.ChildDriver {
		fake = driver.NewFake()
		return fake
	}, log)

	sub := New(mgr, log)
	mgr.SetRecoveryHook(sub.HandleFault)

	return mgr, sub, fake
}

func TestSubsystem_IsSessionHealthy_CachesResult(t *testing.T) {
	mgr, sub, fake := setup(t)
	defer mgr.Dispose(context.Background())

	sess, err := mgr.Create(context.Background(), testDump(t), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := mgr.Get(sess.ID)
		return s.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)

	assert.True(t, sub.IsSessionHealthy(context.Background(), sess.ID))

	require.NoError(t, fake.Stop(context.Background(), time.Millisecond))
	assert.True(t, sub.IsSessionHealthy(context.Background(), sess.ID), "cached result should hold within HealthCacheTTL")

	time.Sleep(30 * time.Millisecond)
	assert.False(t, sub.IsSessionHealthy(context.Background(), sess.ID), "expired cache should re-check the stopped child")
}

func TestSubsystem_RecoverCancelsInPlaceAndRestarts(t *testing.T) {
	mgr, sub, fake := setup(t)
	defer mgr.Dispose(context.Background())

	sess, err := mgr.Create(context.Background(), testDump(t), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := mgr.Get(sess.ID)
		return s.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)

	// Stop the child so the health check after cancel-in-place fails and
	// recovery proceeds to the force restart.
	fake.StopErr = nil
	require.NoError(t, fake.Stop(context.Background(), time.Millisecond))
	sub.recover(sess.ID, errors.New("simulated fault"))

	assert.True(t, fake.IsActive(), "restart should leave the child active")
}

// TestSubsystem_CommandTimeoutTriggersRecovery drives a command through a
// real timeout (the debugger child appears frozen) and checks the queue
// engine finalizes the command as Failed and the session survives the
// recovery that follows: the record must reach CommandStateFailed, the
// fake child must still be active, and the session must not be Faulted.
func TestSubsystem_CommandTimeoutTriggersRecovery(t *testing.T) {
	mgr, _, fake := setup(t)
	defer mgr.Dispose(context.Background())

	sess, err := mgr.Create(context.Background(), testDump(t), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := mgr.Get(sess.ID)
		return s.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)

	fake.OnCommand("!analyze -v", func(string) (string, driver.ExitReason, time.Duration) {
		return "", driver.ExitTimeout, 0
	})

	q, err := mgr.GetQueue(sess.ID)
	require.NoError(t, err)

	rec, err := q.Enqueue("!analyze -v")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cached, ok := mgr.CacheFor(sess.ID).Get(rec.ID)
		return ok && cached.State == v1.CommandStateFailed
	}, time.Second, 5*time.Millisecond)

	// Recovery runs in its own goroutine (HandleFault); give it a moment to
	// complete cancel-in-place and observe the still-active fake child.
	require.Eventually(t, func() bool {
		return fake.IsActive()
	}, time.Second, 5*time.Millisecond)

	s, ok := mgr.Get(sess.ID)
	require.True(t, ok)
	assert.NotEqual(t, v1.SessionStatusFaulted, s.Status)
}

func TestSubsystem_ExhaustsAfterMaxConsecutiveRecoveries(t *testing.T) {
	mgr, sub, fake := setup(t)
	defer mgr.Dispose(context.Background())

	sess, err := mgr.Create(context.Background(), testDump(t), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := mgr.Get(sess.ID)
		return s.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)

	// Deactivate the child and make every restart attempt fail, so the
	// health probe reports unhealthy and cancel-in-place never
	// short-circuits recovery: the consecutive-recovery counter never
	// resets and the session eventually faults.
	fake.StartErr = errors.New("simulated restart failure")

	for i := 0; i < 3; i++ {
		require.NoError(t, fake.Stop(context.Background(), time.Millisecond))
		sub.recover(sess.ID, errors.New("repeated fault"))
	}

	s, ok := mgr.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, v1.SessionStatusFaulted, s.Status)
}
