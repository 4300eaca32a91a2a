package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulzo/ai-orchestrator/pkg/api"
)

type item struct {
	resp       api.Response
	insertedAt time.Time
	expiresAt  time.Time
}

// Memory is a bounded in-process cache. When full it evicts the oldest
// entry by insertion time; expired entries are reaped on access.
type Memory struct {
	mu         sync.RWMutex
	items      map[string]item
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Memory{
		items:      make(map[string]item),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *Memory) Get(ctx context.Context, fingerprint string) (*api.Response, bool) {
	c.mu.RLock()
	it, exists := c.items[fingerprint]
	c.mu.RUnlock()

	if !exists || c.now().After(it.expiresAt) {
		c.misses.Add(1)
		if exists {
			c.mu.Lock()
			// Re-check under the write lock; Set may have refreshed it.
			if cur, ok := c.items[fingerprint]; ok && c.now().After(cur.expiresAt) {
				delete(c.items, fingerprint)
			}
			c.mu.Unlock()
		}
		return nil, false
	}

	c.hits.Add(1)
	resp := it.resp
	resp.Cached = true
	return &resp, true
}

func (c *Memory) Set(ctx context.Context, fingerprint string, resp *api.Response, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[fingerprint]; !exists && len(c.items) >= c.maxEntries {
		c.evictOldest()
	}

	now := c.now()
	c.items[fingerprint] = item{
		resp:       *resp,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	return nil
}

func (c *Memory) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// SetClock injects a clock for tests.
func (c *Memory) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// evictOldest removes expired entries first, then the oldest live entry.
// Caller holds the write lock.
func (c *Memory) evictOldest() {
	now := c.now()
	var oldestKey string
	var oldestAt time.Time

	for k, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, k)
			continue
		}
		if oldestKey == "" || it.insertedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = it.insertedAt
		}
	}

	if len(c.items) >= c.maxEntries && oldestKey != "" {
		delete(c.items, oldestKey)
	}
}
