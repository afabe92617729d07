// Package cache provides a small, concurrency-safe, TTL-based lookup cache
// used by the matcher for command and permission resolution. It is
// intentionally free of logging and persistence concerns:
//
//   - No logging in the library (callers decide how/what to log)
//   - Lazily filled entries with a per-key single-flight guard, so a burst
//     of concurrent cold misses performs exactly one upstream lookup
//   - Opportunistic eviction of expired entries during lookups, plus an
//     explicit Invalidate for write paths
//
// The cache stores values by string key; negative results can be cached by
// filling a typed zero value.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FillFunc loads the value for key from the authoritative store. It is
// invoked at most once per key across concurrent GetOrFill callers.
type FillFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a TTL lookup cache with single-flight fill. The zero value is not
// usable; construct with New.
type Cache[V any] struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry[V]
	sweepN  uint64

	group singleflight.Group
}

// New constructs a Cache with the given entry TTL. Non-positive TTLs are
// coerced to one minute.
func New[V any](ttl time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || now.After(e.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the configured TTL. It also performs an
// opportunistic sweep of expired entries after a threshold of writes so the
// map stays bounded without a dedicated goroutine.
func (c *Cache[V]) Set(key string, value V) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepN++
	if c.sweepN >= 1000 {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.sweepN = 0
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Invalidate drops the cached entry for key, if any.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the current number of cached entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrFill returns the cached value for key, or loads it via fill on a cold
// miss. Concurrent misses for the same key share a single fill call; the
// winner's result (or error) is handed to every waiter. Successful fills
// populate the cache; errors are not cached.
func (c *Cache[V]) GetOrFill(ctx context.Context, key string, fill FillFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent Set may have landed.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
