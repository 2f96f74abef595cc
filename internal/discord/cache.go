package discord

import (
	"sync"
	"time"
)

// Cache is a small time-boxed read cache keyed by remote entity id.
//
// Each entity type (text channels, categories, threads) gets its own Cache
// instance so ids can never collide across types and each type can pick its
// own TTL. Entries expire TTL after insertion; expired entries are evicted
// on read and treated as absent. Writes that are known to invalidate an
// entry (channel deletion) call Drop explicitly.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry[V]
}

type cacheEntry[V any] struct {
	value      V
	insertedAt time.Time
}

// NewCache creates a cache whose entries expire ttl after insertion.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry[V]),
	}
}

// Get returns the cached value for key, or ok=false if the key is absent
// or its entry has expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, restarting its TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, insertedAt: c.now()}
}

// Drop removes key immediately. Used after a deletion so a dead entity is
// never served from cache.
func (c *Cache[V]) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of entries, including any not yet evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
