package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(2, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	_, _, evictions := c.Stats()
	assert.Equal(t, uint64(1), evictions)
}

func TestLRUTTLExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewLRU(10, 30*time.Second)
	c.SetClock(func() time.Time { return now })

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	hits, misses, _ := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestLRUSetUpdatesExisting(t *testing.T) {
	c := NewLRU(2, 0)
	c.Set("a", 1)
	c.Set("a", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestWindowCounterSlides(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindowCounter(60*time.Second, 100)
	w.SetClock(func() time.Time { return now })

	w.RecordAt(now.Add(-90 * time.Second))
	w.RecordAt(now.Add(-30 * time.Second))
	w.RecordAt(now)

	assert.Equal(t, 2, w.Count())

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, w.Count())
}

func TestWindowCounterHardCap(t *testing.T) {
	w := NewWindowCounter(time.Hour, 10)
	for i := 0; i < 50; i++ {
		w.Record()
	}
	assert.Equal(t, 10, w.Count())
}

func TestRingEvictsFromFront(t *testing.T) {
	r := NewRing[string](3)
	for i := 0; i < 5; i++ {
		r.Append(fmt.Sprintf("v%d", i))
	}
	assert.Equal(t, []string{"v2", "v3", "v4"}, r.Items())

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "v4", last)
	assert.Equal(t, 3, r.Len())
}

func TestRingEmpty(t *testing.T) {
	r := NewRing[int](4)
	_, ok := r.Last()
	assert.False(t, ok)
	assert.Empty(t, r.Items())
}
