package cache

import (
	"sync"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/realtime"
)

// GreeksCache holds provider-streamed Greeks per canonical contract symbol
type GreeksCache struct {
	mu        sync.RWMutex
	greeks    map[string]realtime.GreeksSnapshot
	freshness time.Duration
	now       func() time.Time
}

// NewGreeksCache creates a cache that treats entries older than freshness as absent
func NewGreeksCache(freshness time.Duration) *GreeksCache {
	return &GreeksCache{
		greeks:    make(map[string]realtime.GreeksSnapshot),
		freshness: freshness,
		now:       time.Now,
	}
}

// Update stores g unless a newer snapshot is already present
func (c *GreeksCache) Update(g realtime.GreeksSnapshot) bool {
	if !g.Greeks.Valid() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.greeks[g.Symbol]; ok && g.Timestamp.Before(existing.Timestamp) {
		return false
	}
	c.greeks[g.Symbol] = g
	return true
}

// Get returns a fresh snapshot; stale entries read as absent
func (c *GreeksCache) Get(symbol string) (realtime.GreeksSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.greeks[contracts.NormalizeSymbol(symbol)]
	if !ok || c.now().Sub(g.Timestamp) > c.freshness {
		return realtime.GreeksSnapshot{}, false
	}
	return g, true
}

// Len returns the number of stored entries
func (c *GreeksCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.greeks)
}

// CleanStale removes entries past freshness
func (c *GreeksCache) CleanStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	count := 0
	for symbol, g := range c.greeks {
		if now.Sub(g.Timestamp) > c.freshness {
			delete(c.greeks, symbol)
			count++
		}
	}
	return count
}
