package xrelay

import (
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a process-scoped, lock-guarded key/value store. Components receive
// an instance explicitly; there is no package-level cache state.
// A zero TTL keeps entries until they are invalidated.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]cacheEntry[V]
	ttl     time.Duration
	clock   xclock.Clock
}

// NewCache returns an empty cache. clock may be nil.
func NewCache[K comparable, V any](ttl time.Duration, clock xclock.Clock) *Cache[K, V] {
	if clock == nil {
		clock = xclock.Default()
	}
	return &Cache[K, V]{
		entries: make(map[K]cacheEntry[V]),
		ttl:     ttl,
		clock:   clock,
	}
}

// Add stores v under k, replacing any previous value.
func (c *Cache[K, V]) Add(k K, v V) {
	e := cacheEntry[V]{value: v}
	if c.ttl > 0 {
		e.expires = c.clock.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()
}

// Get returns the value for k if present and not expired.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		c.mu.Lock()
		// re-check: a concurrent Add may have refreshed the entry
		if cur, still := c.entries[k]; still && cur.expires.Equal(e.expires) {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Invalidate removes k.
func (c *Cache[K, V]) Invalidate(k K) {
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[K]cacheEntry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until read.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
