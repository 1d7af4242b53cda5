// Package dedup provides best-effort duplicate detection for the
// ingestion gateway's degraded mode. It is not a durability mechanism:
// the durable idempotency guarantee lives in the receipt store's unique
// constraint. These caches only keep replays from producing duplicate
// acknowledgments while the store is unreachable.
package dedup

import (
	"context"
	"sync"
)

// Cache is a size-bounded in-memory duplicate set. Keys are held in a
// ring: when the bound is reached the oldest recorded key is evicted,
// so a sufficiently delayed replay may be acknowledged as new. That is
// acceptable for a fallback path.
type Cache struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
	full bool
}

// NewCache creates a cache holding at most limit keys.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = 1
	}
	return &Cache{
		seen: make(map[string]struct{}, limit),
		ring: make([]string, limit),
	}
}

// CheckAndRecord reports whether key was already recorded, recording it
// if not. The error return satisfies the shared backend interface and
// is always nil for the in-memory cache.
func (c *Cache) CheckAndRecord(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return true, nil
	}
	if c.full {
		delete(c.seen, c.ring[c.next])
	}
	c.seen[key] = struct{}{}
	c.ring[c.next] = key
	c.next++
	if c.next == len(c.ring) {
		c.next = 0
		c.full = true
	}
	return false, nil
}

// Len returns the number of keys currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
