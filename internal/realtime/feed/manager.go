package feed

import (
	"context"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/realtime"
	"github.com/grahams11/finguru/internal/realtime/cache"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/logger"
)

type sessionDeps struct {
	quotes  *cache.QuoteCache
	greeks  *cache.GreeksCache
	pending *pendingTable
	logger  *logger.Logger
}

// Manager orchestrates the live feeds over one shared quote and Greeks cache
// ⭐ SSOT: live subscriptions and quote reads go through this manager
type Manager struct {
	logger   *logger.Logger
	quotes   *cache.QuoteCache
	greeks   *cache.GreeksCache
	pending  *pendingTable
	sessions []*Session
}

// NewManager builds the configured feeds. tokens supplies dxLink credentials; when nil the
// static DXLINK_TOKEN is used.
func NewManager(cfg *config.Config, log *logger.Logger, quotes *cache.QuoteCache, greeks *cache.GreeksCache, tokens TokenSource) *Manager {
	m := newManager(log, quotes, greeks)
	opts := SessionOptionsFromConfig(cfg)
	deps := m.deps()

	if cfg.DXLink.Enabled {
		if tokens == nil {
			tokens = StaticToken(cfg.DXLink.Token, cfg.DXLink.WebSocketURL)
		}
		m.sessions = append(m.sessions, newDXLinkSession(cfg.DXLink.WebSocketURL, tokens, opts, deps))
	}
	if cfg.Polygon.StreamEnabled && cfg.Polygon.APIKey != "" {
		m.sessions = append(m.sessions, newPolygonSession(cfg.Polygon.WebSocketURL, cfg.Polygon.APIKey, opts, deps))
	}

	if len(m.sessions) == 0 {
		m.logger.Warn("No live feed configured; quotes come from REST tiers only")
	}
	return m
}

func newManager(log *logger.Logger, quotes *cache.QuoteCache, greeks *cache.GreeksCache) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		logger:  log,
		quotes:  quotes,
		greeks:  greeks,
		pending: newPendingTable(),
	}
}

func (m *Manager) deps() sessionDeps {
	return sessionDeps{quotes: m.quotes, greeks: m.greeks, pending: m.pending, logger: m.logger}
}

// Start launches every feed; connection failures are retried in the background
func (m *Manager) Start(ctx context.Context) error {
	m.logger.WithField("feeds", len(m.sessions)).Info("Starting feed manager")
	for _, s := range m.sessions {
		s.Start(ctx)
	}
	return nil
}

// Stop stops every feed
func (m *Manager) Stop() {
	m.logger.Info("Stopping feed manager")
	for _, s := range m.sessions {
		s.Stop()
	}
	m.logger.Info("Feed manager stopped")
}

// Subscribe adds canonical symbols to every feed
func (m *Manager) Subscribe(symbols ...string) error {
	var firstErr error
	for _, s := range m.sessions {
		if err := s.Subscribe(symbols...); err != nil {
			m.logger.WithError(err).WithField("feed", s.Name()).Warn("Subscribe failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Unsubscribe removes symbols from every feed
func (m *Manager) Unsubscribe(symbols ...string) {
	for _, s := range m.sessions {
		if err := s.Unsubscribe(symbols...); err != nil {
			m.logger.WithError(err).WithField("feed", s.Name()).Warn("Unsubscribe failed")
		}
	}
}

// GetQuote returns the cached quote only if it is fresh
func (m *Manager) GetQuote(symbol string) (contracts.QuoteSnapshot, bool) {
	return m.quotes.Get(symbol)
}

// GetGreeks returns provider-streamed Greeks only if they are fresh
func (m *Manager) GetGreeks(symbol string) (realtime.GreeksSnapshot, bool) {
	if m.greeks == nil {
		return realtime.GreeksSnapshot{}, false
	}
	return m.greeks.Get(symbol)
}

// AwaitQuote returns a fresh cached quote, or subscribes and waits for the next one
func (m *Manager) AwaitQuote(ctx context.Context, symbol string, timeout time.Duration) (contracts.QuoteSnapshot, bool) {
	symbol = contracts.NormalizeSymbol(symbol)
	if q, ok := m.quotes.Get(symbol); ok {
		return q, true
	}
	if !m.Available() {
		return contracts.QuoteSnapshot{}, false
	}
	// register before subscribing so the first event cannot slip past
	id, ch := m.pending.register(symbol)
	_ = m.Subscribe(symbol)
	if q, ok := m.quotes.Get(symbol); ok {
		m.pending.cancel(symbol, id)
		return q, true
	}
	return m.pending.await(ctx, symbol, id, ch, timeout)
}

// Available reports whether any feed currently holds a live connection
func (m *Manager) Available() bool {
	for _, s := range m.sessions {
		switch s.State() {
		case realtime.StateSubscribed, realtime.StateReceiving:
			return true
		}
	}
	return false
}

// Health returns one advisory snapshot per feed
func (m *Manager) Health() []realtime.FeedHealth {
	out := make([]realtime.FeedHealth, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Health())
	}
	return out
}

// Quotes exposes the shared cache to the REST tiers that write through it
func (m *Manager) Quotes() *cache.QuoteCache {
	return m.quotes
}

// Stats summarizes cache and feed state
func (m *Manager) Stats() *FeedStats {
	cs := m.quotes.Stats()
	stats := &FeedStats{
		Feeds:      len(m.sessions),
		CacheTotal: cs.TotalCount,
		CacheFresh: cs.FreshCount,
		CacheStale: cs.StaleCount,
		Waiters:    m.pending.len(),
	}
	if m.greeks != nil {
		stats.GreeksCached = m.greeks.Len()
	}
	for _, h := range m.Health() {
		if h.Healthy {
			stats.HealthyFeeds++
		}
		stats.Subscriptions += h.Subscriptions
	}
	return stats
}

// FeedStats represents statistics for the feed manager
type FeedStats struct {
	Feeds         int `json:"feeds"`
	HealthyFeeds  int `json:"healthy_feeds"`
	Subscriptions int `json:"subscriptions"`
	CacheTotal    int `json:"cache_total"`
	CacheFresh    int `json:"cache_fresh"`
	CacheStale    int `json:"cache_stale"`
	GreeksCached  int `json:"greeks_cached"`
	Waiters       int `json:"waiters"`
}
