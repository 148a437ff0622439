// Package cache provides a TTL-bounded, content-addressed cache for fetch
// results, with single-flight protection against duplicate concurrent
// fills of the same key.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the cache entry lifetime used when a caller does not
// override it (spec.md §4.8).
const DefaultTTL = 1 * time.Hour

// ProductionTTL is the longer-lived profile for production deployments.
// Nothing in this module selects it; internal/config sets the cache TTL
// from CACHE_TTL_SECONDS alone.
const ProductionTTL = 2 * time.Hour

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a TTL-bounded in-memory cache with single-flight fill. It is
// safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	group   singleflight.Group
}

// New builds a Cache with the given default TTL. A zero or negative ttl
// falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
	}
}

// Get returns the cached value for key and whether it was present and
// unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with a caller-specified TTL.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Fill is fetch-fill-cache-on-miss with single-flight protection: when
// multiple callers request the same key concurrently, only one in-flight
// fn call occurs; the rest observe its result. This is the stampede
// protection spec.md §4.8/§5 requires for concurrent fetch nodes.
func (c *Cache) Fill(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under singleflight: a sibling call may have already
		// filled the cache while we were queued behind the Do lock.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.SetWithTTL(key, result, ttl)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Len reports the number of entries currently held, including expired ones
// not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes all expired entries and returns the count removed.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
