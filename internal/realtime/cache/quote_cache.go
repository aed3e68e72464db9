package cache

import (
	"sync"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/logger"
)

type quoteEntry struct {
	snap    contracts.QuoteSnapshot
	quoteAt time.Time // last bid/ask update
	tradeAt time.Time // last trade update
}

// QuoteCache is the freshness-stamped store for live quotes
// ⭐ SSOT: live quotes are cached here only; readers always get a copy
type QuoteCache struct {
	mu        sync.RWMutex
	quotes    map[string]*quoteEntry
	freshness time.Duration
	logger    *logger.Logger
	now       func() time.Time
}

// NewQuoteCache creates a cache that treats entries older than freshness as absent
func NewQuoteCache(freshness time.Duration, log *logger.Logger) *QuoteCache {
	if log == nil {
		log = logger.Nop()
	}
	return &QuoteCache{
		quotes:    make(map[string]*quoteEntry),
		freshness: freshness,
		logger:    log,
		now:       time.Now,
	}
}

// UpdateQuote merges a bid/ask update; older data than the stored quote is rejected
func (c *QuoteCache) UpdateQuote(symbol string, bid, ask float64, ts time.Time, src contracts.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(symbol)
	if ts.Before(e.quoteAt) {
		return false
	}
	e.quoteAt = ts
	if bid > 0 {
		e.snap.Bid = bid
	}
	if ask > 0 {
		e.snap.Ask = ask
	}
	c.stamp(e, ts, src)
	return true
}

// UpdateTrade merges a last-trade update; older data than the stored trade is rejected
func (c *QuoteCache) UpdateTrade(symbol string, last float64, volume int64, ts time.Time, src contracts.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(symbol)
	if ts.Before(e.tradeAt) {
		return false
	}
	e.tradeAt = ts
	if last > 0 {
		e.snap.Last = last
	}
	if volume > 0 {
		e.snap.Volume = volume
	}
	c.stamp(e, ts, src)
	return true
}

// Put stores a whole snapshot, last-write-wins by timestamp
func (c *QuoteCache) Put(q contracts.QuoteSnapshot) bool {
	q.Symbol = contracts.NormalizeSymbol(q.Symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.quotes[q.Symbol]; ok && q.Timestamp.Before(existing.snap.Timestamp) {
		c.logger.WithFields(map[string]interface{}{
			"symbol":   q.Symbol,
			"new_time": q.Timestamp,
			"old_time": existing.snap.Timestamp,
		}).Debug("Rejected older quote")
		return false
	}
	c.quotes[q.Symbol] = &quoteEntry{snap: q, quoteAt: q.Timestamp, tradeAt: q.Timestamp}
	return true
}

// Get returns a fresh snapshot; stale entries read as absent
func (c *QuoteCache) Get(symbol string) (contracts.QuoteSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.quotes[contracts.NormalizeSymbol(symbol)]
	if !ok || !e.snap.IsFresh(c.now(), c.freshness) {
		return contracts.QuoteSnapshot{}, false
	}
	return e.snap, true
}

// GetMany returns fresh snapshots for the symbols that have one
func (c *QuoteCache) GetMany(symbols []string) map[string]contracts.QuoteSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	result := make(map[string]contracts.QuoteSnapshot, len(symbols))
	for _, s := range symbols {
		key := contracts.NormalizeSymbol(s)
		if e, ok := c.quotes[key]; ok && e.snap.IsFresh(now, c.freshness) {
			result[key] = e.snap
		}
	}
	return result
}

// Delete removes a symbol
func (c *QuoteCache) Delete(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.quotes, contracts.NormalizeSymbol(symbol))
}

// Len returns the number of stored entries, fresh or not
func (c *QuoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.quotes)
}

// CleanStale removes entries past freshness
func (c *QuoteCache) CleanStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	count := 0
	for symbol, e := range c.quotes {
		if !e.snap.IsFresh(now, c.freshness) {
			delete(c.quotes, symbol)
			count++
		}
	}

	if count > 0 {
		c.logger.WithField("count", count).Debug("Cleaned stale quotes from cache")
	}
	return count
}

// Stats returns cache statistics
func (c *QuoteCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{TotalCount: len(c.quotes), BySource: make(map[contracts.Source]int)}
	now := c.now()
	for _, e := range c.quotes {
		if !e.snap.IsFresh(now, c.freshness) {
			stats.StaleCount++
		}
		stats.BySource[e.snap.Source]++
	}
	stats.FreshCount = stats.TotalCount - stats.StaleCount
	return stats
}

// CacheStats represents cache statistics
type CacheStats struct {
	TotalCount int                      `json:"total_count"`
	FreshCount int                      `json:"fresh_count"`
	StaleCount int                      `json:"stale_count"`
	BySource   map[contracts.Source]int `json:"by_source"`
}

// entry returns the symbol's entry, creating it; callers hold the write lock
func (c *QuoteCache) entry(symbol string) *quoteEntry {
	e, ok := c.quotes[symbol]
	if !ok {
		e = &quoteEntry{snap: contracts.QuoteSnapshot{Symbol: symbol}}
		c.quotes[symbol] = e
	}
	return e
}

func (c *QuoteCache) stamp(e *quoteEntry, ts time.Time, src contracts.Source) {
	if ts.After(e.snap.Timestamp) {
		e.snap.Timestamp = ts
	}
	e.snap.Source = src
}
