// Package cache holds materialized responses for a configured duration.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is an in-memory cache with per-item expiration. Loads for the same
// key are collapsed into one in-flight call.
type Cache[V any] struct {
	items  map[string]item[V]
	group  singleflight.Group
	now    func() time.Time
	hits   func()
	misses func()
	// sweep > 0 makes Set drop expired items at most once per sweep.
	sweep     time.Duration
	nextSweep time.Time
	mu        sync.RWMutex
}

type item[V any] struct {
	value      V
	expiration time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock replaces time.Now.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// WithCounters registers callbacks invoked on every hit and miss.
func WithCounters[V any](hit, miss func()) Option[V] {
	return func(c *Cache[V]) {
		c.hits = hit
		c.misses = miss
	}
}

// WithSweep makes Set remove expired items, at most once per interval. Use
// it for caches that run without a Janitor.
func WithSweep[V any](interval time.Duration) Option[V] {
	return func(c *Cache[V]) { c.sweep = interval }
}

// New creates an empty cache.
func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		items:  make(map[string]item[V]),
		now:    time.Now,
		hits:   func() {},
		misses: func() {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key for d.
func (c *Cache[V]) Set(key string, value V, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.sweep > 0 && !now.Before(c.nextSweep) {
		c.removeExpired(now)
		c.nextSweep = now.Add(c.sweep)
	}
	c.items[key] = item[V]{value: value, expiration: now.Add(d)}
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	it, found := c.items[key]
	c.mu.RUnlock()
	if !found {
		var zero V
		return zero, false
	}
	if !c.now().Before(it.expiration) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiration.Equal(it.expiration) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return it.value, true
}

// Len returns the number of stored items, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// CleanupExpired removes expired items.
func (c *Cache[V]) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeExpired(c.now())
}

func (c *Cache[V]) removeExpired(now time.Time) {
	for key, it := range c.items {
		if !now.Before(it.expiration) {
			delete(c.items, key)
		}
	}
}

// Janitor removes expired items every interval until ctx is done.
func (c *Cache[V]) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpired()
		}
	}
}

// GetOrLoad returns the cached value for key or runs load once, however
// many callers ask for key concurrently. Failed loads are not cached.
// shared reports that the value came from the cache or another caller's load.
func (c *Cache[V]) GetOrLoad(key string, d time.Duration, load func() (V, error)) (value V, shared bool, err error) {
	if v, ok := c.Get(key); ok {
		c.hits()
		return v, true, nil
	}
	c.misses()

	v, err, shared := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, d)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return v.(V), shared, nil
}

// Key derives a fixed size key from an endpoint name, a statement and its arguments.
func Key(name, sql string, args []any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s", name, sql)
	for _, a := range args {
		fmt.Fprintf(h, "\x00%T:%v", a, a)
	}
	return hex.EncodeToString(h.Sum(nil))
}
