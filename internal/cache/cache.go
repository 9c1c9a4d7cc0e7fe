// Package cache implements the bounded TTL cache used for query results:
// a generic sharded store with lazy expiry and FIFO eviction, plus a
// result-cache specialization that layers bigcache underneath for large
// payloads.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kyotosystems/quell/internal/clock"
)

// Config tunes a generic cache instance
type Config struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Shards     int           `yaml:"shards"`
}

// DefaultConfig returns the baseline cache tuning
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		DefaultTTL: 5 * time.Minute,
		Shards:     16,
	}
}

// Stats is a point-in-time snapshot of cache counters. Hits, Misses and
// Evictions are monotonic; Size is the current entry count.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// HitRate derives hits/(hits+misses), zero when nothing was looked up
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	expiresAt  time.Time
	seq        uint64
}

// shard holds a slice of the keyspace. order tracks insertion sequence so
// the FIFO victim is always the front element.
type shard[V any] struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
}

// Cache is a concurrency-safe bounded TTL store. The keyspace is segmented
// across shards so lookups on unrelated keys do not contend on one lock.
// Eviction is FIFO by insertion time; expiry is lazy on Get.
type Cache[V any] struct {
	cfg    Config
	clk    clock.Clock
	shards []*shard[V]
	mask   uint64

	size      atomic.Int64
	seq       atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache. Shard count is rounded up to a power of two.
func New[V any](cfg Config, clk clock.Clock) *Cache[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	n := 1
	for n < cfg.Shards {
		n <<= 1
	}

	c := &Cache[V]{
		cfg:    cfg,
		clk:    clk,
		shards: make([]*shard[V], n),
		mask:   uint64(n - 1),
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{
			items: make(map[string]*list.Element),
			order: list.New(),
		}
	}
	return c
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

// Get returns the live value for key. An entry whose expiry has passed is
// treated as a miss and removed on the spot.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	s := c.shardFor(key)

	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.clk.Now().Before(e.expiresAt) {
		s.order.Remove(el)
		delete(s.items, key)
		s.mu.Unlock()
		c.size.Add(-1)
		c.evictions.Add(1)
		c.misses.Add(1)
		return zero, false
	}
	v := e.value
	s.mu.Unlock()

	c.hits.Add(1)
	return v, true
}

// Set stores value under key for ttl (the configured default when ttl<=0).
// Overwriting an existing key refreshes its insertion position. When the
// store is full the oldest entry across all shards is evicted; the size
// bound holds whenever Set returns.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clk.Now()
	s := c.shardFor(key)

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.insertedAt = now
		e.expiresAt = now.Add(ttl)
		e.seq = c.seq.Add(1)
		s.order.MoveToBack(el)
		s.mu.Unlock()
		return
	}
	e := &entry[V]{
		key:        key,
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
		seq:        c.seq.Add(1),
	}
	s.items[key] = s.order.PushBack(e)
	s.mu.Unlock()

	c.size.Add(1)
	for c.size.Load() > int64(c.cfg.MaxEntries) {
		if !c.evictOldest() {
			break
		}
	}
}

// Remove deletes a key if present
func (c *Cache[V]) Remove(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.order.Remove(el)
	delete(s.items, key)
	s.mu.Unlock()
	c.size.Add(-1)
	return true
}

// evictOldest removes the entry with the smallest insertion sequence.
// Shards are inspected one at a time, so the victim is the oldest entry
// observed during the sweep, which under concurrent inserts is the oldest
// or very close to it.
func (c *Cache[V]) evictOldest() bool {
	victimShard := -1
	var victimSeq uint64

	for i, s := range c.shards {
		s.mu.Lock()
		if front := s.order.Front(); front != nil {
			e := front.Value.(*entry[V])
			if victimShard == -1 || e.seq < victimSeq {
				victimShard = i
				victimSeq = e.seq
			}
		}
		s.mu.Unlock()
	}
	if victimShard == -1 {
		return false
	}

	s := c.shards[victimShard]
	s.mu.Lock()
	front := s.order.Front()
	if front == nil {
		s.mu.Unlock()
		return false
	}
	e := front.Value.(*entry[V])
	s.order.Remove(front)
	delete(s.items, e.key)
	s.mu.Unlock()

	c.size.Add(-1)
	c.evictions.Add(1)
	return true
}

// Cleanup removes every expired entry and returns how many were dropped.
// Expiry is otherwise lazy; this exists for periodic janitor loops.
func (c *Cache[V]) Cleanup() int {
	now := c.clk.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.order.Front(); el != nil; {
			next := el.Next()
			e := el.Value.(*entry[V])
			if !now.Before(e.expiresAt) {
				s.order.Remove(el)
				delete(s.items, e.key)
				removed++
			}
			el = next
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.size.Add(int64(-removed))
		c.evictions.Add(uint64(removed))
	}
	return removed
}

// Len returns the current entry count
func (c *Cache[V]) Len() int {
	return int(c.size.Load())
}

// Stats returns a snapshot of the counters
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}
