package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/external/polygon"
	"github.com/grahams11/finguru/internal/realtime"
	"github.com/grahams11/finguru/internal/volatility"
	"github.com/grahams11/finguru/pkg/config"
)

type fakeQuotes struct {
	quotes map[string]contracts.QuoteSnapshot
}

func (f *fakeQuotes) Name() string { return "fake_quotes" }

func (f *fakeQuotes) Quote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, error) {
	if q, ok := f.quotes[symbol]; ok {
		return q, nil
	}
	return contracts.QuoteSnapshot{}, fmt.Errorf("%w: %s", contracts.ErrNotFound, symbol)
}

// fakeChains answers an eligible chain expiring on the first day of the requested window
type fakeChains struct{}

func (fakeChains) Name() string { return "fake_chains" }

func (fakeChains) Chain(ctx context.Context, underlying string, from, to time.Time) (*contracts.ChainSnapshot, error) {
	if underlying != "AAA" {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNotFound, underlying)
	}
	expiry := contracts.ExpiryDate(from)
	call := contracts.OptionContract{
		Symbol:         contracts.FormatOptionSymbol(underlying, expiry, contracts.Call, 100),
		Underlying:     underlying,
		Strike:         100,
		Expiry:         expiry,
		Type:           contracts.Call,
		Bid:            0.98,
		Ask:            1.02,
		Volume:         2000,
		OpenInterest:   1500,
		IV:             0.25,
		ProviderGreeks: &contracts.Greeks{Delta: 0.2, Gamma: 0.2, Theta: -0.15, Vega: 0.05},
	}
	put := contracts.OptionContract{
		Symbol:       contracts.FormatOptionSymbol(underlying, expiry, contracts.Put, 95),
		Underlying:   underlying,
		Strike:       95,
		Expiry:       expiry,
		Type:         contracts.Put,
		Bid:          0.54,
		Ask:          0.56,
		OpenInterest: 100,
		IV:           0.35,
	}
	return &contracts.ChainSnapshot{Underlying: underlying, Spot: 100, Contracts: []contracts.OptionContract{call, put}}, nil
}

// choppyBars alternates between two closes so HV sits far above the contract IVs
type choppyBars struct{}

func (choppyBars) Name() string { return "choppy" }

func (choppyBars) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	bars := make([]contracts.Bar, 300)
	for i := range bars {
		px := 100.0
		if i%2 == 1 {
			px = 103
		}
		bars[i] = contracts.Bar{Date: to.AddDate(0, 0, i-len(bars)), Open: px, High: px, Low: px, Close: px}
	}
	return bars, nil
}

type fakeLive struct {
	mu         sync.Mutex
	subscribed []string
	greeks     map[string]realtime.GreeksSnapshot
	healthy    bool
	started    bool
}

func (f *fakeLive) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeLive) Stop()                           { f.started = false }

func (f *fakeLive) Subscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}

func (f *fakeLive) GetGreeks(symbol string) (realtime.GreeksSnapshot, bool) {
	g, ok := f.greeks[symbol]
	return g, ok
}

func (f *fakeLive) Health() []realtime.FeedHealth {
	return []realtime.FeedHealth{{Provider: "dxlink", Healthy: f.healthy}}
}

type fakeTickers struct{}

func (fakeTickers) Ticker(ctx context.Context, symbol string) (polygon.TickerInfo, error) {
	switch symbol {
	case "AAA":
		return polygon.TickerInfo{Ticker: "AAA", Name: "Triple A", Type: "CS", Active: true}, nil
	case "BAD":
		return polygon.TickerInfo{}, fmt.Errorf("%w: 503", contracts.ErrUnavailable)
	default:
		return polygon.TickerInfo{}, fmt.Errorf("%w: %s", contracts.ErrNotFound, symbol)
	}
}

func testConfig() *config.Config {
	return &config.Config{Scanner: config.ScannerConfig{
		BatchSize:        10,
		Timeout:          5 * time.Second,
		SymbolTimeout:    2 * time.Second,
		TopN:             5,
		RiskFreeRate:     0.045,
		SameDay:          config.ModeGates{MaxSpreadPct: 0.15, MinVolume: 500, MinOpenInterest: 1000},
		NextDay:          config.ModeGates{MaxSpreadPct: 0.10, MinVolume: 250, MinOpenInterest: 500},
		MinPremium:       0.20,
		MaxPremium:       3.00,
		IndexMinPremium:  0.50,
		IndexMaxPremium:  8.00,
		DefaultIVCeiling: 1.50,
		MinDelta:         0.12,
		MaxDelta:         0.27,
		MaxTheta:         -0.08,
		MinGamma:         0.12,
		MaxIVPercentile:  18,
		TargetGainPct:    0.50,
		StopLossPct:      0.30,
		TickSize:         0.01,
		MinComposite:     85,
		MinNonZeroLayers: 2,
		MaxPainPoints:    30,
		MaxPainProximity: 0.007,
		SkewPoints:       25,
		SkewRatio:        0.92,
		SweepPoints:      30,
		SweepRatio:       0.5,
		RSIPoints:        15,
		RSILow:           30,
		RSIHigh:          70,
		RSIMaxDTE:        3,
	}}
}

func newTestEngine(live *fakeLive, closers ...func()) *Engine {
	quotes := &fakeQuotes{quotes: map[string]contracts.QuoteSnapshot{
		"AAA": {Symbol: "AAA", Last: 100, Timestamp: time.Now()},
	}}
	c := Components{
		Quotes:   quotes,
		Chains:   fakeChains{},
		Analyzer: volatility.NewAnalyzer(choppyBars{}, nil, 420, nil),
		Tickers:  fakeTickers{},
		Closers:  closers,
	}
	if live != nil {
		c.Live = live
	}
	return New(testConfig(), &config.Universe{Symbols: []string{"AAA", "ZZZ"}}, c, nil)
}

func TestScanKeepsLatestAndFollowsTopPlays(t *testing.T) {
	live := &fakeLive{}
	e := newTestEngine(live)

	_, ok := e.Latest()
	assert.False(t, ok)

	result, err := e.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, result.TopPlays, 1)

	top := result.TopPlays[0]
	assert.Equal(t, 85, top.Score.Composite)
	assert.Equal(t, contracts.Call, top.Contract.Type)
	assert.Equal(t, 1, result.Diagnostics.Rejections["no_chain"])

	latest, ok := e.Latest()
	require.True(t, ok)
	assert.Equal(t, result.ID, latest.ID)

	found, ok, err := e.ScanByID(context.Background(), result.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, result, found)

	assert.ElementsMatch(t, []string{top.Contract.Symbol, "AAA"}, live.subscribed)
}

func TestGetQuote(t *testing.T) {
	e := newTestEngine(nil)

	q, ok := e.GetQuote(context.Background(), "AAA")
	require.True(t, ok)
	assert.Equal(t, 100.0, q.Last)

	_, ok = e.GetQuote(context.Background(), "NOPE")
	assert.False(t, ok)
}

func TestGetOptionsGreeks(t *testing.T) {
	expiry := contracts.ExpiryDate(time.Now().AddDate(0, 0, 30))
	contract := contracts.FormatOptionSymbol("AAA", expiry, contracts.Call, 100)
	live := &fakeLive{greeks: map[string]realtime.GreeksSnapshot{
		contract: {Symbol: contract, Greeks: contracts.Greeks{Delta: 0.51, Gamma: 0.08}},
	}}
	e := newTestEngine(live)
	ctx := context.Background()

	t.Run("live greeks for a contract", func(t *testing.T) {
		g, ok := e.GetOptionsGreeks(ctx, contract, contracts.Put)
		require.True(t, ok)
		assert.Equal(t, 0.51, g.Delta)
	})

	t.Run("provider greeks for the at-the-money call", func(t *testing.T) {
		g, ok := e.GetOptionsGreeks(ctx, "aaa", contracts.Call)
		require.True(t, ok)
		assert.Equal(t, 0.2, g.Delta)
	})

	t.Run("model greeks for the put", func(t *testing.T) {
		g, ok := e.GetOptionsGreeks(ctx, "AAA", contracts.Put)
		require.True(t, ok)
		assert.Less(t, g.Delta, 0.0)
		assert.GreaterOrEqual(t, g.Gamma, 0.0)
	})

	t.Run("unknown underlying", func(t *testing.T) {
		_, ok := e.GetOptionsGreeks(ctx, "ZZZ", contracts.Call)
		assert.False(t, ok)
	})
}

func TestHealth(t *testing.T) {
	live := &fakeLive{healthy: false}
	e := newTestEngine(live)

	h := e.Health()
	assert.Equal(t, "degraded", h.Status)
	require.Len(t, h.Feeds, 1)
	assert.Empty(t, h.Breakers)
	assert.Nil(t, h.LastScan)
	assert.Equal(t, "disabled", h.Cache)
	assert.Nil(t, h.Database)
	assert.Nil(t, h.Fetcher)

	live.healthy = true
	assert.Equal(t, "ok", e.Health().Status)

	assert.Empty(t, newTestEngine(nil).FeedHealth())
}

func TestSubscribeAndMarketStatus(t *testing.T) {
	live := &fakeLive{}
	e := newTestEngine(live)

	require.NoError(t, e.Subscribe("SPY", "QQQ"))
	assert.Equal(t, []string{"SPY", "QQQ"}, live.subscribed)

	err := newTestEngine(nil).Subscribe("SPY")
	assert.ErrorIs(t, err, contracts.ErrUnavailable)

	loc := e.Location()
	assert.Equal(t, contracts.MarketOpen, e.MarketStatus(time.Date(2024, 3, 4, 10, 0, 0, 0, loc)))
	assert.Equal(t, contracts.MarketClosed, e.MarketStatus(time.Date(2024, 3, 3, 10, 0, 0, 0, loc)))
}

type fakeTicks struct{ symbol string }

func (f *fakeTicks) Recent(ctx context.Context, symbol string, since time.Time) ([]contracts.QuoteSnapshot, error) {
	f.symbol = symbol
	return []contracts.QuoteSnapshot{{Symbol: symbol, Last: 500}}, nil
}

func TestTickHistory(t *testing.T) {
	_, err := newTestEngine(nil).TickHistory(context.Background(), "SPY", time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, contracts.ErrUnavailable)

	ticks := &fakeTicks{}
	e := New(testConfig(), &config.Universe{}, Components{
		Quotes:   &fakeQuotes{},
		Chains:   fakeChains{},
		Analyzer: volatility.NewAnalyzer(choppyBars{}, nil, 420, nil),
		Ticks:    ticks,
	}, nil)
	got, err := e.TickHistory(context.Background(), "SPY", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SPY", ticks.symbol)
}

func TestCheckUniverse(t *testing.T) {
	e := New(testConfig(), &config.Universe{Symbols: []string{"ZZZ", "AAA", "BAD"}}, Components{
		Quotes:   &fakeQuotes{},
		Chains:   fakeChains{},
		Analyzer: volatility.NewAnalyzer(choppyBars{}, nil, 420, nil),
		Tickers:  fakeTickers{},
	}, nil)

	checks := e.CheckUniverse(context.Background(), 2)
	require.Len(t, checks, 3)

	assert.Equal(t, "AAA", checks[0].Symbol)
	assert.True(t, checks[0].Known)
	assert.Equal(t, "Triple A", checks[0].Name)

	assert.Equal(t, "BAD", checks[1].Symbol)
	assert.False(t, checks[1].Known)
	assert.NotEmpty(t, checks[1].Error)

	assert.Equal(t, "ZZZ", checks[2].Symbol)
	assert.False(t, checks[2].Known)
	assert.Empty(t, checks[2].Error)
}

func TestStartStop(t *testing.T) {
	var order []string
	live := &fakeLive{}
	e := newTestEngine(live,
		func() { order = append(order, "db") },
		func() { order = append(order, "redis") },
	)

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, live.started)

	e.Stop()
	assert.False(t, live.started)
	assert.Equal(t, []string{"redis", "db"}, order)

	e.Stop()
	assert.Len(t, order, 2, "closers run once")
}
