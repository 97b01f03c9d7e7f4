// Package cache holds recent OCR results so identical uploads within a short
// window do not hit the inference endpoint twice.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxAge is the default freshness window.
const DefaultMaxAge = 5 * time.Minute

// Options configures a Cache.
type Options struct {
	MaxAge     time.Duration // entries older than this are not returned
	MaxEntries int           // 0 means unbounded
	Disabled   bool          // compute every time, store nothing
	Now        func() time.Time
}

type entry[T any] struct {
	value     T
	createdAt time.Time
}

// Cache is a freshness-window result cache with at most one computation in
// flight per key. It is safe for concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	group   singleflight.Group
	opts    Options
}

// New creates a Cache.
func New[T any](opts Options) *Cache[T] {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[T]{
		entries: make(map[string]entry[T]),
		opts:    opts,
	}
}

// GetOrCompute returns the fresh value for key, or runs compute and stores its
// result. Callers that arrive while a computation for the same key is running
// wait for it instead of starting their own. cached reports whether this
// caller's value came from the cache or another caller's computation.
// Errors are returned to every waiter and never stored.
func (c *Cache[T]) GetOrCompute(key string, compute func() (T, error)) (value T, cached bool, err error) {
	if c.opts.Disabled {
		value, err = compute()
		return value, false, err
	}

	if v, ok := c.get(key); ok {
		slog.Debug("Cache hit", "key", shortKey(key))
		return v, true, nil
	}

	// Waiters on another caller's flight never run this closure.
	ran := false
	res, err, _ := c.group.Do(key, func() (any, error) {
		// A caller may have stored the value between our miss and acquiring the flight.
		if v, ok := c.get(key); ok {
			return v, nil
		}
		slog.Debug("Cache miss", "key", shortKey(key))
		ran = true
		v, err := compute()
		if err != nil {
			return v, err
		}
		c.set(key, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, _ := res.(T)
	return v, !ran, nil
}

func (c *Cache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.opts.Now().Sub(e.createdAt) >= c.opts.MaxAge {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *Cache[T]) set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	c.entries[key] = entry[T]{value: value, createdAt: now}
	c.sweepLocked(now, key)
}

// sweepLocked drops stale entries and, when a bound is set, the oldest ones
// beyond it. The entry under keep is never evicted.
func (c *Cache[T]) sweepLocked(now time.Time, keep string) {
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.opts.MaxAge {
			delete(c.entries, k)
		}
	}
	for c.opts.MaxEntries > 0 && len(c.entries) > c.opts.MaxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if k == keep {
				continue
			}
			if oldestKey == "" || e.createdAt.Before(oldest) {
				oldestKey, oldest = k, e.createdAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[T])
}

func shortKey(key string) string {
	if len(key) <= 20 {
		return key
	}
	return key[:20] + "..."
}
