package queue

import (
	"context"
	"testing"
	"time"

	cachepkg "github.com/kandev/cdbsrv/internal/cache"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestEngine(t *testing.T, fake *driver.Fake) (*Engine, *cachepkg.Cache, notify.Bus) {
	t.Helper()
	log := testLogger(t)
	c := cachepkg.New(0, 0)
	bus := notify.NewMemoryBus(log)

	e := New(Config{
		SessionID:    "sess-1",
		Driver:       fake,
		Cache:        c,
		Bus:          bus,
		Categories:   TimeoutCategories{Default: 2 * time.Second, Short: time.Second, Long: 5 * time.Second},
		MaxQueueSize: 0,
		Logger:       log,
	})
	e.SetReady()
	return e, c, bus
}

func TestEngine_EnqueueExecuteCompletes(t *testing.T) {
	fake := driver.NewFake()
	require.NoError(t, fake.Start(context.Background(), driver.StartOptions{}))
	fake.OnCommand("k", func(string) (string, driver.ExitReason, time.Duration) {
		return "frame 0\n0:000>", driver.ExitNormal, 0
	})

	e, _, _ := newTestEngine(t, fake)
	defer e.Dispose(context.Background())

	rec, err := e.Enqueue("k")
	require.NoError(t, err)
	assert.Equal(t, v1.CommandStateQueued, rec.State)

	require.Eventually(t, func() bool {
		info, ok := e.GetInfo(rec.ID)
		return ok && info.State == v1.CommandStateCompleted
	}, time.Second, 5*time.Millisecond)

	info, ok := e.GetInfo(rec.ID)
	require.True(t, ok)
	assert.Contains(t, info.Output, "frame 0")
}

func TestEngine_EnqueueBeforeReady(t *testing.T) {
	fake := driver.NewFake()
	require.NoError(t, fake.Start(context.Background(), driver.StartOptions{}))
	log := testLogger(t)
	c := cachepkg.New(0, 0)
	bus := notify.NewMemoryBus(log)

	e := New(Config{
		SessionID:  "sess-1",
		Driver:     fake,
		Cache:      c,
		Bus:        bus,
		Categories: TimeoutCategories{Default: time.Second, Short: time.Second, Long: time.Second},
		Logger:     log,
	})
	defer e.Dispose(context.Background())

	rec, err := e.Enqueue("k")
	require.NoError(t, err)
	assert.Equal(t, v1.CommandStateQueued, rec.State)

	time.Sleep(20 * time.Millisecond)
	info, ok := e.GetInfo(rec.ID)
	require.True(t, ok)
	assert.Equal(t, v1.CommandStateQueued, info.State, "worker must not dequeue before SetReady")

	e.SetReady()
	require.Eventually(t, func() bool {
		info, _ := e.GetInfo(rec.ID)
		return info.State.Terminal()
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_CancelQueuedCommand(t *testing.T) {
	fake := driver.NewFake()
	require.NoError(t, fake.Start(context.Background(), driver.StartOptions{}))
	// block the worker on a long first command so the second stays queued.
	fake.OnCommand("g", func(string) (string, driver.ExitReason, time.Duration) {
		return "0:000>", driver.ExitNormal, 200 * time.Millisecond
	})

	e, _, _ := newTestEngine(t, fake)
	defer e.Dispose(context.Background())

	_, err := e.Enqueue("g")
	require.NoError(t, err)
	blocked, err := e.Enqueue("k")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(blocked.ID, "test cancel"))

	info, ok := e.GetInfo(blocked.ID)
	require.True(t, ok)
	assert.Equal(t, v1.CommandStateCancelled, info.State)
}

func TestEngine_CancelCurrentCommand(t *testing.T) {
	fake := driver.NewFake()
	require.NoError(t, fake.Start(context.Background(), driver.StartOptions{}))
	fake.OnCommand("g", func(string) (string, driver.ExitReason, time.Duration) {
		return "", driver.ExitNormal, time.Hour
	})

	e, _, _ := newTestEngine(t, fake)
	defer e.Dispose(context.Background())

	rec, err := e.Enqueue("g")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := e.GetInfo(rec.ID)
		return ok && info.State == v1.CommandStateExecuting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel(rec.ID, "user requested"))

	require.Eventually(t, func() bool {
		info, _ := e.GetInfo(rec.ID)
		return info.State.Terminal()
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_GetAllInfosPreservesOrder(t *testing.T) {
	fake := driver.NewFake()
	require.NoError(t, fake.Start(context.Background(), driver.StartOptions{}))
	e, _, _ := newTestEngine(t, fake)
	defer e.Dispose(context.Background())

	r1, _ := e.Enqueue("k")
	r2, _ := e.Enqueue("r")

	require.Eventually(t, func() bool {
		return len(e.GetAllInfos()) == 2
	}, time.Second, 5*time.Millisecond)

	infos := e.GetAllInfos()
	assert.Equal(t, r1.ID, infos[0].CommandID)
	assert.Equal(t, r2.ID, infos[1].CommandID)
}
