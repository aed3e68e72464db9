package httputil

import (
	"sync"
	"time"
)

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

// responseCache holds idempotent GET bodies keyed by URL
type responseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResponseCache() *responseCache {
	return &responseCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.body, true
}

func (c *responseCache) set(key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{body: body, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// purge drops expired entries and returns how many were removed
func (c *responseCache) purge() int {
	now := c.now()

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

func (c *responseCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
