package adapters

import (
	"sync"
	"time"
)

// ttlCache is a small thread-safe cache with per-entry expiry.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	fetchedAt time.Time
}

func newTTLCache[V any](ttl time.Duration, maxSize int) *ttlCache[V] {
	return &ttlCache[V]{
		entries: make(map[string]cacheEntry[V]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// get returns the value if it is younger than the TTL.
func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.ttl <= 0 || c.now().Sub(e.fetchedAt) > c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// stale returns the value regardless of age, for serving on rate limits.
func (c *ttlCache[V]) stale(key string) (V, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.fetchedAt), true
}

func (c *ttlCache[V]) put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry[V]{value: v, fetchedAt: c.now()}
}

func (c *ttlCache[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.fetchedAt.Before(oldest) {
			oldestKey, oldest = k, e.fetchedAt
		}
	}
	delete(c.entries, oldestKey)
}
