package cache

import (
	"container/list"
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BOUNDED CACHES - LRU + TTL, sliding-window counter, capped ring
// ═══════════════════════════════════════════════════════════════════════════════

type lruEntry struct {
	key   string
	value any
	setAt time.Time
}

// LRU is a thread-safe fixed-size cache with optional per-cache TTL.
// Expired entries are removed on read; inserts beyond capacity evict the
// least-recently-used entry.
type LRU struct {
	mu        sync.Mutex
	maxSize   int
	ttl       time.Duration // 0 = no expiry
	order     *list.List    // front = most recently used
	items     map[string]*list.Element
	hits      uint64
	misses    uint64
	evictions uint64
	now       func() time.Time
}

// NewLRU creates a cache holding at most maxSize entries. ttl of zero
// disables expiry.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LRU{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the cached value and whether it was present and fresh.
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if c.ttl > 0 && c.now().Sub(entry.setAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Set inserts or replaces a value, evicting the LRU entry when full.
func (c *LRU) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.setAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
			c.evictions++
		}
	}

	el := c.order.PushFront(&lruEntry{key: key, value: value, setAt: c.now()})
	c.items[key] = el
}

// Delete removes a key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit/miss/eviction counters.
func (c *LRU) Stats() (hits, misses, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}

// SetClock overrides the time source. Test isolation only.
func (c *LRU) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
