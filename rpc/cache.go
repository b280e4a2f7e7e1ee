package rpc

import (
	"sync"
	"time"
)

// cacheKey identifies one upstream read: (operation, address, count).
type cacheKey struct {
	op      string
	address string
	count   int
}

type cacheEntry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

// readCache is a short-TTL read-through cache that collapses bursty
// polling by concurrent guard evaluations into one upstream call per TTL
// window. Races are tolerated: reads are idempotent and writes are
// last-writer-wins per key.
type readCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newReadCache(ttl time.Duration) *readCache {
	return &readCache{
		entries: make(map[cacheKey]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *readCache) get(key cacheKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.insertedAt) > entry.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *readCache) set(key cacheKey, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{value: value, insertedAt: c.now(), ttl: c.ttl}
	c.cleanupExpiredLocked()
}

// clearAddress drops every cached operation for the address.
func (c *readCache) clearAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.address == address {
			delete(c.entries, key)
		}
	}
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *readCache) cleanupExpiredLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.insertedAt) > entry.ttl {
			delete(c.entries, key)
		}
	}
}
