// Package engine is the outbound interface of the signal engine: scans, quotes, Greeks and
// feed health for the CLI, API and scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/marketdata"
	"github.com/grahams11/finguru/internal/pricing"
	"github.com/grahams11/finguru/internal/realtime"
	"github.com/grahams11/finguru/internal/realtime/cache"
	"github.com/grahams11/finguru/internal/realtime/queue"
	"github.com/grahams11/finguru/internal/scanner"
	"github.com/grahams11/finguru/internal/volatility"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/database"
	"github.com/grahams11/finguru/pkg/httputil"
	"github.com/grahams11/finguru/pkg/logger"
	"github.com/grahams11/finguru/pkg/redis"
)

const latestScanKey = "latest"

// LiveFeed is the streaming side the engine drives
type LiveFeed interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(symbols ...string) error
	GetGreeks(symbol string) (realtime.GreeksSnapshot, bool)
	Health() []realtime.FeedHealth
}

// Components are the collaborators an engine is assembled from. Only Quotes, Chains and
// Analyzer are required.
type Components struct {
	Quotes      contracts.QuoteSource
	Chains      contracts.ChainSource
	Live        LiveFeed
	Analyzer    *volatility.Analyzer
	Pricing     *pricing.Engine
	Clock       *scanner.Clock
	Breakers    *marketdata.BreakerSet
	QuoteCache  *cache.QuoteCache
	GreeksCache *cache.GreeksCache
	ScanCache   *redis.Cache
	DB          *database.DB
	Recorder    *queue.TickRecorder
	Ticks       TickReader
	Tickers     TickerSource
	Calls       func() int64
	FetchStats  func() httputil.Stats
	Closers     []func()
}

// TickReader reads recorded quote ticks back
type TickReader interface {
	Recent(ctx context.Context, symbol string, since time.Time) ([]contracts.QuoteSnapshot, error)
}

// Engine owns one set of wired components and the latest scan
// ⭐ SSOT: the CLI, API and scheduler reach market data only through this type
type Engine struct {
	cfg      *config.Config
	universe *config.Universe
	c        Components
	pipeline *scanner.Pipeline
	logger   *logger.Logger
	now      func() time.Time

	mu      sync.RWMutex
	latest  *contracts.ScanResult
	running bool
}

// New assembles an engine from components
func New(cfg *config.Config, universe *config.Universe, c Components, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if universe == nil {
		universe = &config.Universe{}
	}
	if c.Pricing == nil {
		c.Pricing = pricing.Default()
	}
	if c.Clock == nil {
		c.Clock = scanner.DefaultClock()
	}

	deps := scanner.Deps{
		Chains:     c.Chains,
		Quotes:     c.Quotes,
		Volatility: c.Analyzer,
		Engine:     c.Pricing,
		Clock:      c.Clock,
		Calls:      c.Calls,
	}
	if c.Live != nil {
		deps.Live = c.Live
	}

	return &Engine{
		cfg:      cfg,
		universe: universe,
		c:        c,
		pipeline: scanner.NewPipeline(cfg.Scanner, deps, log),
		logger:   log.Component("engine"),
		now:      time.Now,
	}
}

// Start launches the live feeds and the tick recorder and restores the last stored scan
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if e.c.Live != nil {
		if err := e.c.Live.Start(ctx); err != nil {
			return fmt.Errorf("start live feeds: %w", err)
		}
	}
	if e.c.Recorder != nil {
		e.c.Recorder.Start(ctx)
	}

	if e.c.ScanCache != nil && e.c.ScanCache.Enabled() {
		var last contracts.ScanResult
		found, err := e.c.ScanCache.Get(ctx, redis.ScanKey(latestScanKey), &last)
		switch {
		case err != nil:
			e.logger.WithError(err).Warn("Failed to restore latest scan")
		case found:
			e.mu.Lock()
			if e.latest == nil {
				e.latest = &last
			}
			e.mu.Unlock()
			e.logger.WithField("scan_id", last.ID).Info("Restored latest scan")
		}
	}
	return nil
}

// Stop stops the feeds and recorder and closes storage
func (e *Engine) Stop() {
	e.mu.Lock()
	running := e.running
	e.running = false
	e.mu.Unlock()

	if running {
		if e.c.Live != nil {
			e.c.Live.Stop()
		}
		if e.c.Recorder != nil {
			e.c.Recorder.Stop()
		}
	}
	for i := len(e.c.Closers) - 1; i >= 0; i-- {
		e.c.Closers[i]()
	}
	e.c.Closers = nil
}

// SetProgressCallback forwards scan progress to fn
func (e *Engine) SetProgressCallback(fn scanner.ProgressCallback) {
	e.pipeline.SetProgressCallback(fn)
}

// Scan runs one pass over the universe and keeps the result as the latest. The result is
// non-nil even when the error is scanner.ErrScanUnavailable.
func (e *Engine) Scan(ctx context.Context) (*contracts.ScanResult, error) {
	result, err := e.pipeline.Scan(ctx, e.universe)
	if result == nil {
		return nil, err
	}

	e.mu.Lock()
	e.latest = result
	e.mu.Unlock()

	e.follow(result)
	e.store(ctx, result)
	return result, err
}

// follow subscribes the top plays and their underlyings so the next read is live
func (e *Engine) follow(result *contracts.ScanResult) {
	if len(result.TopPlays) == 0 {
		return
	}
	seen := make(map[string]struct{})
	var symbols []string
	for _, c := range result.TopPlays {
		for _, s := range []string{c.Contract.Symbol, c.Contract.Underlying} {
			if _, ok := seen[s]; ok || s == "" {
				continue
			}
			seen[s] = struct{}{}
			symbols = append(symbols, s)
		}
	}

	if e.c.Live != nil {
		if err := e.c.Live.Subscribe(symbols...); err != nil {
			e.logger.WithError(err).Warn("Failed to subscribe top plays")
		}
	}
	if e.c.Recorder != nil {
		e.c.Recorder.Track(symbols...)
	}
}

// Subscribe streams symbols on the live feed and records their ticks
func (e *Engine) Subscribe(symbols ...string) error {
	if e.c.Recorder != nil {
		e.c.Recorder.Track(symbols...)
	}
	if e.c.Live == nil {
		return fmt.Errorf("%w: no live feed configured", contracts.ErrUnavailable)
	}
	return e.c.Live.Subscribe(symbols...)
}

// MarketStatus is the session state at t
func (e *Engine) MarketStatus(t time.Time) contracts.MarketStatus {
	return e.c.Clock.Status(t)
}

// Location is the exchange time zone schedules run in
func (e *Engine) Location() *time.Location {
	return e.c.Clock.Location()
}

func (e *Engine) store(ctx context.Context, result *contracts.ScanResult) {
	if e.c.ScanCache == nil || !e.c.ScanCache.Enabled() {
		return
	}
	for _, key := range []string{result.ID, latestScanKey} {
		if err := e.c.ScanCache.Set(ctx, redis.ScanKey(key), result, redis.TTLDaily); err != nil {
			e.logger.WithError(err).WithField("scan_id", result.ID).Warn("Failed to store scan")
			return
		}
	}
}

// Latest returns the most recent scan
func (e *Engine) Latest() (*contracts.ScanResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest, e.latest != nil
}

// ScanByID loads a stored scan
func (e *Engine) ScanByID(ctx context.Context, id string) (*contracts.ScanResult, bool, error) {
	if latest, ok := e.Latest(); ok && latest.ID == id {
		return latest, true, nil
	}
	if e.c.ScanCache == nil {
		return nil, false, nil
	}
	var r contracts.ScanResult
	found, err := e.c.ScanCache.Get(ctx, redis.ScanKey(id), &r)
	if err != nil || !found {
		return nil, false, err
	}
	return &r, true, nil
}

// TickHistory returns a symbol's recorded ticks since the given time
func (e *Engine) TickHistory(ctx context.Context, symbol string, since time.Time) ([]contracts.QuoteSnapshot, error) {
	if e.c.Ticks == nil {
		return nil, fmt.Errorf("%w: tick recorder disabled", contracts.ErrUnavailable)
	}
	return e.c.Ticks.Recent(ctx, symbol, since)
}

// GetQuote reads through the live feed and REST tiers
func (e *Engine) GetQuote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, bool) {
	q, err := e.c.Quotes.Quote(ctx, symbol)
	if err != nil {
		e.logger.WithError(err).Symbol(symbol).Debug("Quote unavailable")
		return contracts.QuoteSnapshot{}, false
	}
	return q, true
}

// GetOptionsGreeks returns Greeks for a contract symbol, or for the at-the-money contract of
// typ at the nearest expiry when symbol is an underlying
func (e *Engine) GetOptionsGreeks(ctx context.Context, symbol string, typ contracts.OptionType) (contracts.Greeks, bool) {
	g, err := e.greeks(ctx, symbol, typ)
	if err != nil {
		e.logger.WithError(err).Symbol(symbol).Debug("Greeks unavailable")
		return contracts.Greeks{}, false
	}
	return g, true
}

func (e *Engine) greeks(ctx context.Context, symbol string, typ contracts.OptionType) (contracts.Greeks, error) {
	now := e.now()

	var (
		underlying string
		from, to   time.Time
		target     *contracts.OptionSymbol
	)
	if opt, err := contracts.ParseOptionSymbol(symbol); err == nil {
		if e.c.Live != nil {
			if g, ok := e.c.Live.GetGreeks(opt.String()); ok {
				return g.Greeks, nil
			}
		}
		target = &opt
		underlying, from, to = opt.Underlying, opt.Expiry, opt.Expiry
	} else {
		plan := e.c.Clock.Plan(now)
		underlying = contracts.NormalizeSymbol(symbol)
		from, to = plan.Expiry, plan.Expiry.AddDate(0, 0, 7)
	}

	chain, err := e.c.Chains.Chain(ctx, underlying, from, to)
	if err != nil {
		return contracts.Greeks{}, err
	}

	c, ok := pickContract(chain, target, typ)
	if !ok {
		return contracts.Greeks{}, fmt.Errorf("%w: no %s contract for %s", contracts.ErrNotFound, typ, symbol)
	}
	if target == nil && e.c.Live != nil {
		if g, ok := e.c.Live.GetGreeks(c.Symbol); ok {
			return g.Greeks, nil
		}
	}
	if pg := c.ProviderGreeks; pg != nil && pg.Valid() && pg.Gamma > 0 {
		return *pg, nil
	}

	spot := chain.Spot
	if spot <= 0 {
		if q, err := e.c.Quotes.Quote(ctx, underlying); err == nil {
			spot = q.Price()
		}
	}
	if spot <= 0 {
		return contracts.Greeks{}, fmt.Errorf("%w: no spot price for %s", contracts.ErrDataValidation, underlying)
	}

	in := pricing.Inputs{
		Spot:   spot,
		Strike: c.Strike,
		T:      scanner.YearsUntil(now, e.c.Clock.ExpiryClose(c.Expiry)),
		Rate:   e.cfg.Scanner.RiskFreeRate,
		Type:   c.Type,
	}
	in.Vol = e.contractVol(ctx, c, in)
	return e.c.Pricing.Greeks(in), nil
}

// contractVol prefers the provider IV, then IV solved from the mid, then the symbol's HV
func (e *Engine) contractVol(ctx context.Context, c contracts.OptionContract, in pricing.Inputs) float64 {
	if c.IV > 0 && !math.IsNaN(c.IV) && !math.IsInf(c.IV, 0) {
		return c.IV
	}
	if mid := c.Mid(); mid > 0 {
		if iv, err := e.c.Pricing.ImpliedVol(mid, in); err == nil {
			return iv
		}
	}
	hv, err := e.c.Analyzer.HistoricalVolatility30d(ctx, c.Underlying)
	if err != nil {
		e.logger.WithError(err).Symbol(c.Underlying).Debug("Using default volatility")
	}
	return hv
}

// pickContract finds target in the chain, or the strike nearest spot of typ at the first expiry
func pickContract(chain *contracts.ChainSnapshot, target *contracts.OptionSymbol, typ contracts.OptionType) (contracts.OptionContract, bool) {
	if target != nil {
		want := target.String()
		for _, c := range chain.Contracts {
			if c.Symbol == want {
				return c, true
			}
		}
		return contracts.OptionContract{}, false
	}

	expiries := chain.Expiries()
	if len(expiries) == 0 {
		return contracts.OptionContract{}, false
	}

	var (
		best  contracts.OptionContract
		found bool
	)
	for _, c := range chain.ForExpiry(expiries[0]) {
		if c.Type != typ {
			continue
		}
		if !found || math.Abs(c.Strike-chain.Spot) < math.Abs(best.Strike-chain.Spot) {
			best, found = c, true
		}
	}
	return best, found
}

// Health is the engine's readiness summary
type Health struct {
	Status   string                     `json:"status"` // ok, degraded
	Feeds    []realtime.FeedHealth      `json:"feeds"`
	Breakers []marketdata.BreakerStatus `json:"breakers"`
	Profiles int                        `json:"volatility_profiles"`
	Cache    string                     `json:"cache"`
	Database *database.HealthStatus     `json:"database,omitempty"`
	Recorder *queue.RecorderStats       `json:"tick_recorder,omitempty"`
	Fetcher  *httputil.Stats            `json:"fetcher,omitempty"`
	LastScan *time.Time                 `json:"last_scan,omitempty"`
}

// FeedHealth returns each live feed's state
func (e *Engine) FeedHealth() []realtime.FeedHealth {
	if e.c.Live == nil {
		return []realtime.FeedHealth{}
	}
	return e.c.Live.Health()
}

// Breakers returns each REST provider's circuit state
func (e *Engine) Breakers() []marketdata.BreakerStatus {
	if e.c.Breakers == nil {
		return []marketdata.BreakerStatus{}
	}
	return e.c.Breakers.Snapshot()
}

// Health summarises feeds, breakers and caches. Degraded means no live feed is healthy or a
// provider circuit is open.
func (e *Engine) Health() Health {
	h := Health{
		Status:   "ok",
		Feeds:    e.FeedHealth(),
		Breakers: e.Breakers(),
		Profiles: e.c.Analyzer.Len(),
		Cache:    "disabled",
	}
	if e.c.ScanCache != nil {
		h.Cache = e.c.ScanCache.Status(context.Background())
	}
	if e.c.DB != nil {
		// an unhealthy store degrades persistence only; scans keep running
		h.Database, _ = e.c.DB.HealthCheck(context.Background())
	}

	healthy := len(h.Feeds) == 0
	for _, f := range h.Feeds {
		healthy = healthy || f.Healthy
	}
	for _, b := range h.Breakers {
		if b.State != "closed" {
			healthy = false
		}
	}
	if !healthy {
		h.Status = "degraded"
	}

	if e.c.Recorder != nil {
		s := e.c.Recorder.Stats()
		h.Recorder = &s
	}
	if e.c.FetchStats != nil {
		s := e.c.FetchStats()
		h.Fetcher = &s
	}
	if latest, ok := e.Latest(); ok {
		t := latest.StartedAt
		h.LastScan = &t
	}
	return h
}

// Universe is the configured symbol universe
func (e *Engine) Universe() *config.Universe {
	return e.universe
}

// Analyzer exposes the volatility analyzer to the CLI and scheduler
func (e *Engine) Analyzer() *volatility.Analyzer {
	return e.c.Analyzer
}

// RebuildVolatility rebuilds every universe profile
func (e *Engine) RebuildVolatility(ctx context.Context) volatility.RebuildStats {
	concurrency := e.cfg.Scanner.BatchSize / 5
	if concurrency < 1 {
		concurrency = 1
	}
	return e.c.Analyzer.RebuildAll(ctx, e.universe.Symbols, concurrency)
}

// CleanCaches drops stale quotes and Greeks and returns how many entries were removed
func (e *Engine) CleanCaches() int {
	n := 0
	if e.c.QuoteCache != nil {
		n += e.c.QuoteCache.CleanStale()
	}
	if e.c.GreeksCache != nil {
		n += e.c.GreeksCache.CleanStale()
	}
	return n
}

// IsUnavailable reports whether a scan error means providers could not answer
func IsUnavailable(err error) bool {
	return errors.Is(err, scanner.ErrScanUnavailable)
}
