package notify

import (
	"testing"
	"time"

	"github.com/kandev/cdbsrv/internal/logger"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *MemoryBus {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMemoryBus(log)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := testBus(t)
	sub, err := b.Subscribe("sess-1")
	require.NoError(t, err)

	require.NoError(t, b.Publish("sess-1", v1.Notification{Kind: v1.NotificationCommandStatus, CommandID: "c1"}))

	select {
	case n := <-sub.C():
		assert.Equal(t, "c1", n.CommandID)
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}

func TestMemoryBus_PreservesOrderPerSubscriber(t *testing.T) {
	b := testBus(t)
	sub, err := b.Subscribe("sess-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish("sess-1", v1.Notification{CommandID: string(rune('a' + i))}))
	}

	for i := 0; i < 5; i++ {
		n := <-sub.C()
		assert.Equal(t, string(rune('a'+i)), n.CommandID)
	}
}

func TestMemoryBus_IsolatesSubscribers(t *testing.T) {
	b := testBus(t)
	sub1, err := b.Subscribe("sess-1")
	require.NoError(t, err)
	sub2, err := b.Subscribe("sess-1")
	require.NoError(t, err)

	sub1.Unsubscribe()

	require.NoError(t, b.Publish("sess-1", v1.Notification{CommandID: "c1"}))

	n := <-sub2.C()
	assert.Equal(t, "c1", n.CommandID)

	_, ok := <-sub1.C()
	assert.False(t, ok)
}

func TestMemoryBus_DropRemovesAllSubscribers(t *testing.T) {
	b := testBus(t)
	sub, err := b.Subscribe("sess-1")
	require.NoError(t, err)

	b.Drop("sess-1")

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestMemoryBus_PublishAfterCloseFails(t *testing.T) {
	b := testBus(t)
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish("sess-1", v1.Notification{}))
}
