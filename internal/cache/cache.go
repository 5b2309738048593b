// Package cache provides TTL caches for process-local state (compiled
// modules, installation tokens) with an optional Redis backend for
// multi-instance deployments.
package cache

import (
	"context"
	"sync"
	"time"
)

// Clock returns the current time. Injectable so tests control expiry.
type Clock func() time.Time

// TTLCache is the byte-value cache contract shared by the in-memory and
// Redis backends.
type TTLCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is a process-local TTL cache. Expired entries are purged lazily on
// the next Set; there is no background sweeper. When the entry count would
// exceed maxEntries, the entry closest to expiry is evicted.
// It is safe for concurrent use.
type Memory[V any] struct {
	mu         sync.Mutex
	clock      Clock
	maxEntries int
	entries    map[string]entry[V]
	onEvict    func(V)
}

// NewMemory creates an in-memory TTL cache. A maxEntries of 0 means unbounded.
// A nil clock defaults to time.Now.
func NewMemory[V any](maxEntries int, clock Clock) *Memory[V] {
	if clock == nil {
		clock = time.Now
	}
	return &Memory[V]{
		clock:      clock,
		maxEntries: maxEntries,
		entries:    make(map[string]entry[V]),
	}
}

// OnEvict registers fn to be called with each value that leaves the cache:
// lazy expiry purge, capacity eviction, overwrite of an existing key, or
// Delete. fn runs outside the cache lock. Values whose lifecycle needs
// cleanup (closers, runtimes) hook it here.
func (c *Memory[V]) OnEvict(fn func(V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the value for key if present and not expired.
func (c *Memory[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.clock().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL, purging any expired entries
// first.
func (c *Memory[V]) Set(key string, value V, ttl time.Duration) {
	var evicted []V
	c.mu.Lock()

	now := c.clock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			evicted = append(evicted, e.value)
			delete(c.entries, k)
		}
	}

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			if v, ok := c.evictSoonest(); ok {
				evicted = append(evicted, v)
			}
		}
	}

	if old, exists := c.entries[key]; exists {
		evicted = append(evicted, old.value)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}

	fn := c.onEvict
	c.mu.Unlock()
	if fn != nil {
		for _, v := range evicted {
			fn(v)
		}
	}
}

// Delete removes key from the cache.
func (c *Memory[V]) Delete(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	fn := c.onEvict
	c.mu.Unlock()
	if ok && fn != nil {
		fn(e.value)
	}
}

// Len returns the number of entries currently stored, including any not yet
// lazily purged.
func (c *Memory[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictSoonest removes and returns the live entry closest to expiry. Caller
// holds the lock.
func (c *Memory[V]) evictSoonest() (V, bool) {
	var victim string
	var soonest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expiresAt.Before(soonest) {
			victim = k
			soonest = e.expiresAt
			first = false
		}
	}
	if first {
		var zero V
		return zero, false
	}
	v := c.entries[victim].value
	delete(c.entries, victim)
	return v, true
}

// Compile-time interface satisfaction check.
var _ TTLCache = (*Bytes)(nil)

// Bytes adapts Memory[[]byte] to the TTLCache interface so callers can swap
// between the in-memory and Redis backends.
type Bytes struct {
	m *Memory[[]byte]
}

// NewBytes creates a TTLCache backed by an in-memory cache.
func NewBytes(maxEntries int, clock Clock) *Bytes {
	return &Bytes{m: NewMemory[[]byte](maxEntries, clock)}
}

func (b *Bytes) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.m.Get(key)
	return v, ok, nil
}

func (b *Bytes) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.m.Set(key, value, ttl)
	return nil
}

func (b *Bytes) Delete(_ context.Context, key string) error {
	b.m.Delete(key)
	return nil
}
