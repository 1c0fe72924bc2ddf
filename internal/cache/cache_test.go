package cache

import (
	"testing"
	"time"

	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedRecord(id string, output string) *v1.CommandRecord {
	now := time.Now()
	return &v1.CommandRecord{
		ID:          id,
		SessionID:   "sess-1",
		Command:     "k",
		State:       v1.CommandStateCompleted,
		QueuedAt:    now,
		CompletedAt: &now,
		Output:      output,
	}
}

func TestCache_PutGet(t *testing.T) {
	c := New(0, 0)
	c.Put(completedRecord("c1", "stack trace"))

	rec, ok := c.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "stack trace", rec.Output)
}

func TestCache_GetUnknown(t *testing.T) {
	c := New(0, 0)
	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestCache_EvictsOldestByRecordCount(t *testing.T) {
	c := New(0, 2)
	c.Put(completedRecord("c1", "a"))
	time.Sleep(time.Millisecond)
	c.Put(completedRecord("c2", "b"))
	time.Sleep(time.Millisecond)
	c.Put(completedRecord("c3", "c"))

	_, ok := c.Get("c1")
	assert.False(t, ok, "oldest record should have been evicted")
	_, ok = c.Get("c3")
	assert.True(t, ok)

	assert.Equal(t, 2, c.Stats().Records)
}

func TestCache_NeverEvictsPinnedRecord(t *testing.T) {
	c := New(0, 1)
	c.Put(completedRecord("c1", "a"))
	c.Pin("c1")

	c.Put(completedRecord("c2", "b"))

	_, ok := c.Get("c1")
	assert.True(t, ok, "pinned record must survive eviction pressure")

	c.Unpin("c1")
	c.Put(completedRecord("c3", "c"))
	_, ok = c.Get("c1")
	assert.False(t, ok, "unpinned record is evictable again")
}

func TestCache_WaitUntilDone_AlreadyTerminal(t *testing.T) {
	c := New(0, 0)
	c.Put(completedRecord("c1", "done"))

	rec, ok := c.WaitUntilDone("c1", time.Second)
	require.True(t, ok)
	assert.Equal(t, "done", rec.Output)
}

func TestCache_WaitUntilDone_TimesOutOnStillRunning(t *testing.T) {
	c := New(0, 0)
	c.Put(&v1.CommandRecord{ID: "c1", State: v1.CommandStateExecuting, QueuedAt: time.Now()})

	start := time.Now()
	rec, ok := c.WaitUntilDone("c1", 30*time.Millisecond)
	elapsed := time.Since(start)

	require.True(t, ok)
	assert.Equal(t, v1.CommandStateExecuting, rec.State)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestCache_WaitUntilDone_WakesOnCompletion(t *testing.T) {
	c := New(0, 0)
	c.Put(&v1.CommandRecord{ID: "c1", State: v1.CommandStateExecuting, QueuedAt: time.Now()})

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Put(completedRecord("c1", "finished"))
	}()

	rec, ok := c.WaitUntilDone("c1", time.Second)
	require.True(t, ok)
	assert.Equal(t, "finished", rec.Output)
}

func TestCache_Clear(t *testing.T) {
	c := New(0, 0)
	c.Put(completedRecord("c1", "a"))
	c.Clear()
	assert.Equal(t, 0, c.Stats().Records)
	_, ok := c.Get("c1")
	assert.False(t, ok)
}
