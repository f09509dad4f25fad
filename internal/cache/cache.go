// Package cache is a bounded in-memory cache with least-recently-used
// eviction by item count and estimated size, plus time-based expiry.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// shedKeepDivisor controls how much survives a low-memory shed: the most
// recently used 1/shedKeepDivisor of entries.
const shedKeepDivisor = 4

// Options bounds a Cache. Zero values disable the matching limit.
type Options[V any] struct {
	MaxItems int
	MaxBytes int64
	TTL      time.Duration

	// SizeOf estimates the memory held by a value. Required when MaxBytes
	// is set.
	SizeOf func(V) int64
}

type entry[V any] struct {
	value    V
	size     int64
	storedAt time.Time
}

// Cache is safe for concurrent use. Recency is tracked with an explicit
// list, so access and eviction are O(1).
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[K, entry[V]]
	bytes int64

	maxBytes int64
	ttl      time.Duration
	sizeOf   func(V) int64
	now      func() time.Time
}

// New creates a Cache with the given bounds.
func New[K comparable, V any](opts Options[V]) (*Cache[K, V], error) {
	if opts.MaxBytes > 0 && opts.SizeOf == nil {
		return nil, fmt.Errorf("cache: MaxBytes requires SizeOf")
	}
	size := opts.MaxItems
	if size <= 0 {
		size = math.MaxInt32
	}

	c := &Cache[K, V]{
		maxBytes: opts.MaxBytes,
		ttl:      opts.TTL,
		sizeOf:   opts.SizeOf,
		now:      time.Now,
	}
	lru, err := simplelru.NewLRU[K, entry[V]](size, func(_ K, e entry[V]) {
		c.bytes -= e.size
	})
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// Get returns the value for key and marks it most recently used. Expired
// entries are dropped and reported as misses.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(e) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, evicting least recently used entries until
// the cache is within its bounds. A value larger than MaxBytes on its own
// is not stored.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size int64
	if c.sizeOf != nil {
		size = c.sizeOf(value)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		c.lru.Remove(key)
		return
	}

	// Replacing a key does not fire the eviction callback.
	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= old.size
	}
	c.lru.Add(key, entry[V]{value: value, size: size, storedAt: c.now()})
	c.bytes += size

	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Remove drops key if present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the estimated size of all entries.
func (c *Cache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Sweep removes entries older than the TTL regardless of how recently they
// were read, and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && c.expired(e) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// ShedForLowMemory drops all but the most recently used quarter of the
// entries. A non-empty cache always keeps at least one entry.
func (c *Cache[K, V]) ShedForLowMemory() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	if n == 0 {
		return 0
	}
	keep := max(n/shedKeepDivisor, 1)

	removed := 0
	for c.lru.Len() > keep {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		removed++
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || c.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache[K, V]) expired(e entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl
}
