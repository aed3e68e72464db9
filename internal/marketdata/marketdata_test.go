package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/external"
	"github.com/grahams11/finguru/internal/realtime/cache"
	"github.com/grahams11/finguru/pkg/httputil"
)

var errDown = contracts.NewProviderError("fake", "call", fmt.Errorf("%w: connection refused", contracts.ErrTransport))

type fakeQuotes struct {
	name  string
	quote contracts.QuoteSnapshot
	err   error
	calls int
}

func (f *fakeQuotes) Name() string { return f.name }

func (f *fakeQuotes) Quote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, error) {
	f.calls++
	if f.err != nil {
		return contracts.QuoteSnapshot{}, f.err
	}
	q := f.quote
	q.Symbol = symbol
	return q, nil
}

type fakeLive struct {
	quote   contracts.QuoteSnapshot
	fresh   bool
	awaited bool
}

func (f *fakeLive) GetQuote(symbol string) (contracts.QuoteSnapshot, bool) {
	return f.quote, f.fresh
}

func (f *fakeLive) AwaitQuote(ctx context.Context, symbol string, timeout time.Duration) (contracts.QuoteSnapshot, bool) {
	f.awaited = true
	return contracts.QuoteSnapshot{}, false
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Minute}, func() time.Time { return now })

	require.True(t, b.Allow())
	b.Record(errDown)
	assert.Equal(t, "closed", b.State())
	b.Record(errDown)
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow(), "one probe after cool-down")
	assert.Equal(t, "half_open", b.State())
	assert.False(t, b.Allow(), "only one probe in flight")

	b.Record(errDown)
	assert.Equal(t, "open", b.State(), "failed probe reopens")

	now = now.Add(time.Minute)
	require.True(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 1}, time.Now)
	b.Record(fmt.Errorf("%w: no such ticker", contracts.ErrNotFound))
	b.Record(fmt.Errorf("%w: bad row", contracts.ErrDataValidation))
	assert.Equal(t, "closed", b.State())
}

func TestBreakerIgnoresLocalOutcomes(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Minute}, func() time.Time { return now })

	throttled := contracts.NewProviderError("fake", "call", fmt.Errorf("%w: %w", contracts.ErrTimeout, contracts.ErrThrottled))
	b.Record(throttled)
	b.Record(context.Canceled)
	b.Record(fmt.Errorf("chain: %w", context.DeadlineExceeded))
	assert.Equal(t, "closed", b.State())

	b.Record(contracts.NewProviderError("fake", "call", fmt.Errorf("%w: %w", contracts.ErrTimeout, context.DeadlineExceeded)))
	assert.Equal(t, "open", b.State(), "a provider that was too slow still counts")

	now = now.Add(time.Minute)
	require.True(t, b.Allow())
	b.Record(throttled)
	assert.Equal(t, "half_open", b.State())
	assert.True(t, b.Allow(), "probe slot is free again")
}

// fetchedChains reads chains through a real fetcher the way the REST providers do
type fetchedChains struct {
	fetcher *httputil.Client
	url     string
}

func (f *fetchedChains) Name() string { return "polygon" }

func (f *fetchedChains) Chain(ctx context.Context, underlying string, from, to time.Time) (*contracts.ChainSnapshot, error) {
	if _, err := f.fetcher.Get(ctx, f.url+"/"+underlying, 0); err != nil {
		return nil, external.Classify("polygon", "chain", err)
	}
	return &contracts.ChainSnapshot{Underlying: underlying, Spot: 100, FetchedAt: time.Now()}, nil
}

func TestReservoirExhaustionKeepsCircuitClosed(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	fetcher := httputil.NewWithOptions(httputil.Options{
		Standard: httputil.LimiterConfig{MaxConcurrent: 4, ReservoirPerMin: 2},
		Retry:    httputil.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Enabled: true},
		Timeout:  time.Second,
	}, nil)
	breakers := NewBreakerSet(BreakerConfig{Threshold: 3, Cooldown: time.Minute})
	f := NewChainFallback(breakers, 0, nil, &fetchedChains{fetcher: fetcher, url: server.URL})

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var throttled int
	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := f.Chain(ctx, fmt.Sprintf("S%d", i), from, from.AddDate(0, 0, 7))
		cancel()
		if err != nil {
			assert.ErrorIs(t, err, contracts.ErrThrottled)
			assert.NotErrorIs(t, err, ErrBreakerOpen)
			throttled++
		}
	}

	assert.Equal(t, 4, throttled)
	assert.Equal(t, int32(2), hits.Load(), "throttled calls never reach the provider")
	assert.Equal(t, []BreakerStatus{{Provider: "polygon", State: "closed"}}, breakers.Snapshot())
}

func TestQuoteChainPrefersLiveFeed(t *testing.T) {
	live := &fakeLive{quote: contracts.QuoteSnapshot{Symbol: "SPY", Last: 500}, fresh: true}
	rest := &fakeQuotes{name: "polygon", quote: contracts.QuoteSnapshot{Last: 499}}
	chain := NewQuoteChain(live, nil, nil, time.Second, nil, rest)

	q, err := chain.Quote(context.Background(), "spy")
	require.NoError(t, err)
	assert.Equal(t, 500.0, q.Last)
	assert.Zero(t, rest.calls)
}

func TestQuoteChainFallsThroughAndWritesBack(t *testing.T) {
	live := &fakeLive{}
	qc := cache.NewQuoteCache(10*time.Second, nil)
	primary := &fakeQuotes{name: "polygon", err: errDown}
	scrape := &fakeQuotes{name: "scrape", quote: contracts.QuoteSnapshot{Last: 42, Timestamp: time.Now(), Source: contracts.SourceScrape}}
	chain := NewQuoteChain(live, qc, nil, 10*time.Millisecond, nil, primary, scrape)

	q, err := chain.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, live.awaited)
	assert.Equal(t, 42.0, q.Last)
	assert.Equal(t, 1, primary.calls)

	cached, ok := qc.Get("AAPL")
	require.True(t, ok, "REST answers are written through to the cache")
	assert.Equal(t, contracts.SourceScrape, cached.Source)
}

func TestQuoteChainErrors(t *testing.T) {
	missing := fmt.Errorf("%w: unknown", contracts.ErrNotFound)

	tests := []struct {
		name    string
		tiers   []contracts.QuoteSource
		wantErr error
		avail   bool
	}{
		{"all not found", []contracts.QuoteSource{&fakeQuotes{name: "a", err: missing}, &fakeQuotes{name: "b", err: missing}}, contracts.ErrNotFound, false},
		{"one down", []contracts.QuoteSource{&fakeQuotes{name: "a", err: missing}, &fakeQuotes{name: "b", err: errDown}}, contracts.ErrTransport, true},
		{"no tiers", nil, contracts.ErrUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := NewQuoteChain(nil, nil, nil, 0, nil, tt.tiers...)
			_, err := chain.Quote(context.Background(), "XYZ")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.avail, contracts.IsAvailabilityError(err))
		})
	}
}

func TestQuoteChainSkipsOpenBreaker(t *testing.T) {
	breakers := NewBreakerSet(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	primary := &fakeQuotes{name: "polygon", err: errDown}
	backup := &fakeQuotes{name: "scrape", quote: contracts.QuoteSnapshot{Last: 10}}
	chain := NewQuoteChain(nil, nil, breakers, 0, nil, primary, backup)

	for i := 0; i < 3; i++ {
		_, err := chain.Quote(context.Background(), "IBM")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, primary.calls, "open breaker stops calls")
	assert.Equal(t, []BreakerStatus{{Provider: "polygon", State: "open"}, {Provider: "scrape", State: "closed"}}, chain.Breakers())
}

type fakeChains struct {
	name  string
	chain *contracts.ChainSnapshot
	err   error
}

func (f *fakeChains) Name() string { return f.name }

func (f *fakeChains) Chain(ctx context.Context, underlying string, from, to time.Time) (*contracts.ChainSnapshot, error) {
	return f.chain, f.err
}

func TestChainFallbackServesStaleWhenDown(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	now := time.Now()

	src := &fakeChains{name: "polygon", chain: &contracts.ChainSnapshot{Underlying: "SPY", Spot: 500, FetchedAt: now}}
	f := NewChainFallback(NewBreakerSet(BreakerConfig{Threshold: 10}), time.Minute, nil, src)

	got, err := f.Chain(context.Background(), "SPY", from, to)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.Spot)

	src.chain, src.err = nil, errDown
	got, err = f.Chain(context.Background(), "SPY", from, to)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.Spot)

	_, err = f.Chain(context.Background(), "SPY", from, to.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, contracts.ErrTransport, "different window has no stale answer")

	f.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = f.Chain(context.Background(), "SPY", from, to)
	assert.Error(t, err, "too old to serve")
}

func TestChainFallbackNotFoundIsFinal(t *testing.T) {
	first := &fakeChains{name: "a", err: fmt.Errorf("%w: no contracts", contracts.ErrNotFound)}
	second := &fakeChains{name: "b", chain: &contracts.ChainSnapshot{}}
	f := NewChainFallback(nil, 0, nil, first, second)

	_, err := f.Chain(context.Background(), "ZZZ", time.Now(), time.Now())
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.False(t, contracts.IsAvailabilityError(err))
}

type fakeBars struct {
	name  string
	bars  []contracts.Bar
	err   error
	calls int
}

func (f *fakeBars) Name() string { return f.name }

func (f *fakeBars) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	f.calls++
	return f.bars, f.err
}

type memRepo struct {
	fakeBars
	mu    sync.Mutex
	saved map[string][]contracts.Bar
}

func (m *memRepo) SaveBars(ctx context.Context, symbol string, bars []contracts.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]contracts.Bar)
	}
	m.saved[symbol] = bars
	return nil
}

func series(from time.Time, days int) []contracts.Bar {
	bars := make([]contracts.Bar, 0, days)
	for i := 0; i < days; i++ {
		bars = append(bars, contracts.Bar{Date: from.AddDate(0, 0, i), Close: 100 + float64(i)})
	}
	return bars
}

func TestBarChainRepositoryHit(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 30)
	repo := &memRepo{fakeBars: fakeBars{name: "db", bars: series(from, 30)}}
	net := &fakeBars{name: "polygon"}

	bars, err := NewBarChain(repo, nil, nil, nil, net).DailyBars(context.Background(), "MSFT", from, to)
	require.NoError(t, err)
	assert.Len(t, bars, 30)
	assert.Zero(t, net.calls)
}

func TestBarChainWritesThrough(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 30)
	repo := &memRepo{fakeBars: fakeBars{name: "db", err: fmt.Errorf("%w: none", contracts.ErrNotFound)}}
	net := &fakeBars{name: "polygon", bars: series(from, 31)}

	bars, err := NewBarChain(repo, nil, nil, nil, net).DailyBars(context.Background(), "msft", from, to)
	require.NoError(t, err)
	assert.Len(t, bars, 31)
	assert.Len(t, repo.saved["MSFT"], 31)
}

func TestBarChainSkipsPrimaryWhenCongested(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &fakeBars{name: "polygon", bars: series(from, 5)}
	secondary := &fakeBars{name: "yahoo", bars: series(from, 5)}
	congested := func() bool { return true }

	_, err := NewBarChain(nil, nil, congested, nil, primary, secondary).DailyBars(context.Background(), "SPY", from, from.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Zero(t, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestBarChainServesPartialStoredSeries(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 60)
	repo := &memRepo{fakeBars: fakeBars{name: "db", bars: series(from, 20)}}
	net := &fakeBars{name: "polygon", err: errDown}

	bars, err := NewBarChain(repo, nil, nil, nil, net).DailyBars(context.Background(), "SPY", from, to)
	require.NoError(t, err)
	assert.Len(t, bars, 20)

	repo.bars = nil
	_, err = NewBarChain(repo, nil, nil, nil, net).DailyBars(context.Background(), "SPY", from, to)
	assert.True(t, errors.Is(err, contracts.ErrTransport))
}
