package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyotosystems/quell/internal/clock"
)

func newTestCache(maxEntries int, ttl time.Duration) (*Cache[string], *clock.Fake) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	c := New[string](Config{MaxEntries: maxEntries, DefaultTTL: ttl, Shards: 4}, clk)
	return c, clk
}

func TestCache_GetSet(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v", 0)
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)

	c.Set("k", "v", 100*time.Millisecond)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	clk.Advance(150 * time.Millisecond)

	_, ok = c.Get("k")
	assert.False(t, ok, "entry past its expiry is a miss")
	assert.Equal(t, 0, c.Len(), "stale entry is removed on lookup")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestCache_ExpiryBoundary(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)

	c.Set("k", "v", 100*time.Millisecond)
	clk.Advance(100 * time.Millisecond)

	// now == expiresAt counts as expired
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_FIFOEviction(t *testing.T) {
	c, _ := newTestCache(3, time.Minute)

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0)
	c.Set("d", "4", 0)

	assert.Equal(t, 3, c.Len())

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest insertion is evicted first")

	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "key %s survives", k)
	}
}

func TestCache_OverwriteRefreshesInsertionOrder(t *testing.T) {
	c, _ := newTestCache(3, time.Minute)

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0)
	c.Set("a", "1x", 0) // a becomes the newest insertion
	c.Set("d", "4", 0)

	_, ok := c.Get("b")
	assert.False(t, ok, "b is now the oldest and gets evicted")

	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1x", got)
}

func TestCache_SizeNeverExceedsMax(t *testing.T) {
	const max = 8
	c, _ := newTestCache(max, time.Minute)

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", 0)
		assert.LessOrEqual(t, c.Len(), max, "after set %d", i)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](Config{MaxEntries: 128, DefaultTTL: time.Minute, Shards: 16}, clock.System())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", i%64)
				c.Set(key, i, 0)
				if v, ok := c.Get(key); ok {
					// a racing set may have replaced the value, but a
					// partially written entry must never be observed
					assert.GreaterOrEqual(t, v, 0)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 128)
}

func TestCache_Remove(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	c.Set("k", "v", 0)
	assert.True(t, c.Remove("k"))
	assert.False(t, c.Remove("k"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_Cleanup(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)

	c.Set("short", "v", 50*time.Millisecond)
	c.Set("long", "v", time.Hour)

	clk.Advance(100 * time.Millisecond)

	removed := c.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("long")
	assert.True(t, ok)
}
