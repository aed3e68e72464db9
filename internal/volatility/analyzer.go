package volatility

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/logger"
)

// recentCloses is how many closes a profile keeps for RSI
const recentCloses = 60

// Profile is one symbol's volatility history, rebuilt at most once per calendar day
type Profile struct {
	Symbol       string    `json:"symbol"`
	HV30         float64   `json:"hv30"`
	Estimated    bool      `json:"estimated"` // HV30 is DefaultHV, history was too short
	Distribution []float64 `json:"distribution"`
	Closes       []float64 `json:"closes"`
	Bars         int       `json:"bars"`
	BuiltOn      string    `json:"built_on"` // market calendar day, 2006-01-02
	BuiltAt      time.Time `json:"built_at"`
}

// IVPercentile ranks iv against the distribution, or the HV30 buckets when there is none
func (p *Profile) IVPercentile(iv float64) float64 {
	if pct, ok := Percentile(p.Distribution, iv); ok {
		return pct
	}
	return FallbackPercentile(iv, p.HV30)
}

// ProfileStore persists profiles across restarts
type ProfileStore interface {
	Load(ctx context.Context, symbol string) (*Profile, bool, error)
	Save(ctx context.Context, p *Profile) error
}

// Analyzer builds and caches volatility profiles
// ⭐ SSOT: HV and IV percentile are computed here only
type Analyzer struct {
	bars        contracts.BarSource
	store       ProfileStore
	historyDays int
	logger      *logger.Logger
	now         func() time.Time

	mu       sync.RWMutex
	profiles map[string]*Profile
	group    singleflight.Group
}

// NewAnalyzer creates an analyzer over bars. store may be nil.
func NewAnalyzer(bars contracts.BarSource, store ProfileStore, historyDays int, log *logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Nop()
	}
	if historyDays <= 0 {
		historyDays = 420
	}
	return &Analyzer{
		bars:        bars,
		store:       store,
		historyDays: historyDays,
		logger:      log.Component("volatility"),
		now:         time.Now,
		profiles:    make(map[string]*Profile),
	}
}

func (a *Analyzer) today() string {
	return a.now().In(contracts.MarketLocation()).Format("2006-01-02")
}

// Cached returns the in-memory profile regardless of age
func (a *Analyzer) Cached(symbol string) (*Profile, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.profiles[contracts.NormalizeSymbol(symbol)]
	return p, ok
}

// Profile returns today's profile, building it when missing. A failed rebuild
// falls back to an older profile if one exists.
func (a *Analyzer) Profile(ctx context.Context, symbol string) (*Profile, error) {
	symbol = contracts.NormalizeSymbol(symbol)
	today := a.today()

	cached, ok := a.Cached(symbol)
	if ok && cached.BuiltOn == today {
		return cached, nil
	}

	if a.store != nil {
		stored, found, err := a.store.Load(ctx, symbol)
		if err != nil {
			a.logger.WithError(err).Symbol(symbol).Warn("Profile store read failed")
		}
		if found && stored.BuiltOn == today {
			a.put(stored)
			return stored, nil
		}
		if found && cached == nil {
			cached = stored
		}
	}

	p, err := a.rebuild(ctx, symbol)
	if err != nil {
		if cached != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).WithFields(map[string]interface{}{
				"symbol":   symbol,
				"built_on": cached.BuiltOn,
			}).Warn("Using stale volatility profile")
			return cached, nil
		}
		return nil, err
	}
	return p, nil
}

// ScanProfile prefers any cached profile over a rebuild so scans stay within budget
func (a *Analyzer) ScanProfile(ctx context.Context, symbol string) (*Profile, error) {
	if p, ok := a.Cached(symbol); ok {
		return p, nil
	}
	return a.Profile(ctx, symbol)
}

// HistoricalVolatility30d returns the symbol's 30-day HV, DefaultHV when history is short
func (a *Analyzer) HistoricalVolatility30d(ctx context.Context, symbol string) (float64, error) {
	p, err := a.Profile(ctx, symbol)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return DefaultHV, nil
		}
		return DefaultHV, err
	}
	return p.HV30, nil
}

// IVPercentile ranks iv against the symbol's 252-day HV distribution
func (a *Analyzer) IVPercentile(ctx context.Context, symbol string, iv float64) (float64, error) {
	p, err := a.Profile(ctx, symbol)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return FallbackPercentile(iv, DefaultHV), nil
		}
		return 0, err
	}
	return p.IVPercentile(iv), nil
}

// rebuild fetches bars and computes a fresh profile; concurrent callers share one build
func (a *Analyzer) rebuild(ctx context.Context, symbol string) (*Profile, error) {
	v, err, _ := a.group.Do(symbol, func() (interface{}, error) {
		to := a.now()
		from := to.AddDate(0, 0, -a.historyDays)
		bars, err := a.bars.DailyBars(ctx, symbol, from, to)
		if err != nil {
			return nil, fmt.Errorf("bars for %s: %w", symbol, err)
		}

		p := a.build(symbol, contracts.Closes(bars))
		a.put(p)
		if a.store != nil {
			if err := a.store.Save(ctx, p); err != nil {
				a.logger.WithError(err).Symbol(symbol).Warn("Profile store write failed")
			}
		}

		a.logger.WithFields(map[string]interface{}{
			"symbol":  symbol,
			"bars":    p.Bars,
			"hv30":    p.HV30,
			"samples": len(p.Distribution),
		}).Debug("Built volatility profile")
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Profile), nil
}

func (a *Analyzer) build(symbol string, closes []float64) *Profile {
	p := &Profile{
		Symbol:       symbol,
		Distribution: BuildDistribution(closes, HVWindow, Lookback),
		Bars:         len(closes),
		BuiltOn:      a.today(),
		BuiltAt:      a.now(),
	}

	if hv, ok := HistoricalVolatility(closes, HVWindow); ok {
		p.HV30 = hv
	} else {
		p.HV30 = DefaultHV
		p.Estimated = true
	}

	if n := len(closes); n > recentCloses {
		closes = closes[n-recentCloses:]
	}
	p.Closes = append([]float64(nil), closes...)
	return p
}

func (a *Analyzer) put(p *Profile) {
	a.mu.Lock()
	a.profiles[p.Symbol] = p
	a.mu.Unlock()
}

// RebuildStats summarizes a RebuildAll run
type RebuildStats struct {
	Symbols  int           `json:"symbols"`
	Built    int           `json:"built"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// RebuildAll rebuilds every symbol's profile whose day has rolled over.
// One symbol failing does not stop the others.
func (a *Analyzer) RebuildAll(ctx context.Context, symbols []string, concurrency int) RebuildStats {
	start := time.Now()
	if concurrency <= 0 {
		concurrency = 8
	}

	var mu sync.Mutex
	stats := RebuildStats{Symbols: len(symbols)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, symbol := range symbols {
		symbol := contracts.NormalizeSymbol(symbol)
		g.Go(func() error {
			if p, ok := a.Cached(symbol); ok && p.BuiltOn == a.today() {
				mu.Lock()
				stats.Built++
				mu.Unlock()
				return nil
			}
			_, err := a.rebuild(gctx, symbol)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				a.logger.WithError(err).Symbol(symbol).Warn("Volatility rebuild failed")
				return nil
			}
			stats.Built++
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	a.logger.WithFields(map[string]interface{}{
		"symbols":  stats.Symbols,
		"built":    stats.Built,
		"failed":   stats.Failed,
		"duration": stats.Duration.String(),
	}).Info("Volatility profiles rebuilt")
	return stats
}

// Len returns the number of profiles in memory
func (a *Analyzer) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.profiles)
}
