// Package cache holds the process-wide, in-memory stores for access tokens
// and OAuth authorization states.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a mutex guarded map whose entries stop being served buffer before
// they expire. Expired entries are swept lazily on Get, Set and Take.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	buffer  time.Duration
	now     func() time.Time
}

// Option configures a TTL.
type Option func(*ttlOptions)

type ttlOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *ttlOptions) { o.now = now }
}

// New creates an empty TTL store.
func New[V any](buffer time.Duration, opts ...Option) *TTL[V] {
	o := ttlOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		buffer:  buffer,
		now:     o.now,
	}
}

// Get returns the value for key if it is still live.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous entry.
func (c *TTL[V]) Set(key string, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
}

// Take returns and removes the value for key.
func (c *TTL[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	return e.value, ok
}

// Sweep drops every entry past expiresAt minus the buffer and returns how
// many were removed.
func (c *TTL[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

// Len counts stored entries, live or not.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTL[V]) sweepLocked() int {
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt.Add(-c.buffer)) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
