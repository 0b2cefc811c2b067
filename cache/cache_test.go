package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo/record"
)

func testRecord(t *testing.T, id, content string) *record.Record {
	t.Helper()
	r, err := record.New(record.CategoryTaskInsight, content, record.WithID(id))
	require.NoError(t, err)
	return r
}

func TestPutGet(t *testing.T) {
	c := New(4, nil)

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), false))

	rec, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", rec.Content)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Entries)
}

func TestEvictionLeastRecentlyTouched(t *testing.T) {
	c := New(2, nil)
	now := time.Unix(1000, 0)
	c.clock = func() time.Time { return now }

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), false))
	now = now.Add(5 * time.Millisecond)
	require.NoError(t, c.Put(testRecord(t, "b", "bravo"), false))
	now = now.Add(5 * time.Millisecond)
	require.NoError(t, c.Put(testRecord(t, "c", "charlie"), false))

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestEvictionFrequencyTieBreak(t *testing.T) {
	c := New(2, nil)
	now := time.Unix(1000, 0)
	c.clock = func() time.Time { return now }

	// a and b land in the same millisecond, as bulk candidate loads do,
	// but a is read twice more.
	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), false))
	require.NoError(t, c.Put(testRecord(t, "b", "bravo"), false))
	c.Get("a")
	c.Get("a")

	require.NoError(t, c.Put(testRecord(t, "c", "charlie"), false))

	_, ok := c.Get("b")
	assert.False(t, ok, "less frequently accessed entry loses the tie")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestDirtyFlushedBeforeEviction(t *testing.T) {
	persisted := make(map[string]string)

	var c *RecordCache
	c = New(1, func(id string) error {
		rec, dirty, ok := c.Peek(id)
		require.True(t, ok)
		require.True(t, dirty)
		persisted[id] = rec.Content
		c.MarkClean(id, rec)
		return nil
	})

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), true))
	require.NoError(t, c.Put(testRecord(t, "b", "bravo"), false))

	assert.Equal(t, "alpha", persisted["a"], "dirty entry flushed before eviction")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestFlushFailureKeepsEntry(t *testing.T) {
	flushErr := errors.New("disk full")
	c := New(1, func(id string) error { return flushErr })

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), true))
	err := c.Put(testRecord(t, "b", "bravo"), false)
	require.ErrorIs(t, err, flushErr)

	_, dirty, ok := c.Peek("a")
	require.True(t, ok, "unflushed entry is never dropped")
	assert.True(t, dirty)
	assert.Equal(t, 2, c.Len(), "cache overflows rather than losing state")
}

func TestBusyEvictionIsDeferred(t *testing.T) {
	var evictCalls int
	c := New(1, func(id string) error {
		t.Fatalf("full flush must not run on the eviction path, got %s", id)
		return nil
	})
	c.SetEvictFlush(func(id string) error {
		evictCalls++
		return ErrBusy
	})

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), true))

	// The contended victim defers: the insert succeeds, the dirty entry
	// stays and the cache runs over capacity.
	require.NoError(t, c.Put(testRecord(t, "b", "bravo"), false))
	assert.Equal(t, 1, evictCalls)

	_, dirty, ok := c.Peek("a")
	require.True(t, ok, "deferred victim stays cached")
	assert.True(t, dirty)
	assert.Equal(t, 2, c.Len())
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	c := New(1, nil)

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), false))
	release, ok := c.Pin("a")
	require.True(t, ok)

	require.NoError(t, c.Put(testRecord(t, "b", "bravo"), false))

	_, ok = c.Get("a")
	assert.True(t, ok, "pinned entry stays")

	release()
	release() // idempotent

	require.NoError(t, c.Put(testRecord(t, "c", "charlie"), false))
	assert.Equal(t, 1, c.Len())
}

func TestMarkCleanVersioned(t *testing.T) {
	c := New(4, nil)

	v1 := testRecord(t, "a", "alpha")
	require.NoError(t, c.Put(v1, true))

	v2 := testRecord(t, "a", "alpha v2")
	require.NoError(t, c.Put(v2, true))

	c.MarkClean("a", v1)
	_, dirty, _ := c.Peek("a")
	assert.True(t, dirty, "stale flush must not clear newer dirtiness")

	c.MarkClean("a", v2)
	_, dirty, _ = c.Peek("a")
	assert.False(t, dirty)
}

func TestFlushAll(t *testing.T) {
	persisted := make(map[string]string)

	var c *RecordCache
	c = New(8, func(id string) error {
		rec, _, ok := c.Peek(id)
		require.True(t, ok)
		persisted[id] = rec.Content
		c.MarkClean(id, rec)
		return nil
	})

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), true))
	require.NoError(t, c.Put(testRecord(t, "b", "bravo"), false))
	require.NoError(t, c.Put(testRecord(t, "c", "charlie"), true))

	require.NoError(t, c.FlushAll())
	assert.Len(t, persisted, 2)
	assert.Equal(t, 0, c.Stats().Dirty)
}

func TestRemoveAndClear(t *testing.T) {
	c := New(4, nil)

	require.NoError(t, c.Put(testRecord(t, "a", "alpha"), true))
	require.NoError(t, c.Put(testRecord(t, "b", "bravo"), false))

	assert.True(t, c.Remove("a"), "remove drops without flushing")
	assert.False(t, c.Remove("a"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("b")
	assert.False(t, ok)
}
