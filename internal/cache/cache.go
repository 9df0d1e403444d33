// SPDX-License-Identifier: MIT

// Package cache provides a small in-memory TTL cache.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	expiration time.Time
}

// TTL is a thread-safe map whose entries expire. Expired entries are
// dropped when they are next read.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[K]entry[V]
}

// NewTTL returns an empty cache. now may be nil for the wall clock.
func NewTTL[K comparable, V any](now func() time.Time) *TTL[K, V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{now: now, entries: make(map[K]entry[V])}
}

// Get returns the value for key unless it is missing or expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && c.now().Before(e.expiration) {
		return e.value, true
	}
	if ok {
		delete(c.entries, key)
	}
	var zero V
	return zero, false
}

// Set stores value for ttl. A non-positive ttl removes the key.
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = entry[V]{value: value, expiration: c.now().Add(ttl)}
}

// Clear removes every entry.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len counts entries, expired ones included until they are read.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
