package volatility

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/internal/contracts"
)

// alternating moves of ±d give a sample stdev of d·√(n/(n-1))
func alternating(n int, sigma float64) []float64 {
	d := sigma / math.Sqrt(TradingDays)
	closes := make([]float64, n)
	closes[0] = 100
	for i := 1; i < n; i++ {
		if i%2 == 1 {
			closes[i] = closes[i-1] * math.Exp(d)
		} else {
			closes[i] = closes[i-1] * math.Exp(-d)
		}
	}
	return closes
}

func gbm(n int, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	d := sigma / math.Sqrt(TradingDays)
	closes := make([]float64, n)
	closes[0] = 100
	for i := 1; i < n; i++ {
		closes[i] = closes[i-1] * math.Exp(rng.NormFloat64()*d)
	}
	return closes
}

func TestHistoricalVolatilityKnownSeries(t *testing.T) {
	hv, ok := HistoricalVolatility(alternating(400, 0.25), HVWindow)
	require.True(t, ok)
	assert.InDelta(t, 0.25, hv, 0.01)
}

func TestHistoricalVolatilityShortHistory(t *testing.T) {
	_, ok := HistoricalVolatility(alternating(MinBars-1, 0.25), HVWindow)
	assert.False(t, ok)

	_, ok = HistoricalVolatility([]float64{100, 0, -1, math.NaN(), 101}, HVWindow)
	assert.False(t, ok, "unusable closes do not count")
}

func TestDistributionRecoversGeneratingVolatility(t *testing.T) {
	closes := gbm(400, 0.30, 7)

	dist := BuildDistribution(closes, HVWindow, Lookback)
	require.Len(t, dist, Lookback)
	assert.True(t, sort.Float64sAreSorted(dist))

	median := dist[len(dist)/2]
	assert.InDelta(t, 0.30, median, 0.05)

	hv, ok := HistoricalVolatility(closes, HVWindow)
	require.True(t, ok)
	assert.Greater(t, hv, dist[0]-1e-12)
	assert.Less(t, hv, dist[len(dist)-1]+1e-12)
}

func TestBuildDistributionTooShort(t *testing.T) {
	assert.Nil(t, BuildDistribution(alternating(HVWindow, 0.2), HVWindow, Lookback))
	assert.Len(t, BuildDistribution(alternating(HVWindow+1, 0.2), HVWindow, Lookback), 1)
}

func TestPercentile(t *testing.T) {
	samples := []float64{0.10, 0.20, 0.20, 0.30, 0.40}

	tests := []struct {
		iv   float64
		want float64
	}{
		{0.05, 0},
		{0.10, 0},
		{0.20, 20},
		{0.25, 60},
		{0.40, 80},
		{0.50, 100},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("iv=%.2f", tt.iv), func(t *testing.T) {
			got, ok := Percentile(samples, tt.iv)
			require.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, ok := Percentile(nil, 0.2)
	assert.False(t, ok)
}

func TestPercentileIsMonotonic(t *testing.T) {
	dist := BuildDistribution(gbm(300, 0.25, 3), HVWindow, Lookback)
	prev := -1.0
	for iv := 0.0; iv <= 1.0; iv += 0.005 {
		got, ok := Percentile(dist, iv)
		require.True(t, ok)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestFallbackPercentile(t *testing.T) {
	assert.Equal(t, 25.0, FallbackPercentile(0.18, 0.20))
	assert.Equal(t, 25.0, FallbackPercentile(0.20, 0.20))
	assert.Equal(t, 75.0, FallbackPercentile(0.21, 0.20))

	p := &Profile{HV30: 0.20}
	assert.Equal(t, 75.0, p.IVPercentile(0.35))
}

type fakeBars struct {
	mu     sync.Mutex
	closes map[string][]float64
	err    error
	calls  atomic.Int32
	delay  time.Duration
}

func (f *fakeBars) Name() string { return "fake" }

func (f *fakeBars) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	closes, ok := f.closes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNotFound, symbol)
	}
	bars := make([]contracts.Bar, len(closes))
	for i, c := range closes {
		bars[i] = contracts.Bar{Date: from.AddDate(0, 0, i), Close: c}
	}
	return bars, nil
}

type memStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

func (m *memStore) Load(ctx context.Context, symbol string) (*Profile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[symbol]
	return p, ok, nil
}

func (m *memStore) Save(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = make(map[string]*Profile)
	}
	m.profiles[p.Symbol] = p
	return nil
}

func newTestAnalyzer(src *fakeBars, store ProfileStore) (*Analyzer, *time.Time) {
	now := time.Date(2024, 5, 6, 15, 0, 0, 0, time.UTC)
	a := NewAnalyzer(src, store, 420, nil)
	a.now = func() time.Time { return now }
	return a, &now
}

func TestAnalyzerBuildsOncePerDay(t *testing.T) {
	src := &fakeBars{closes: map[string][]float64{"SPY": alternating(300, 0.2)}}
	store := &memStore{}
	a, now := newTestAnalyzer(src, store)
	ctx := context.Background()

	hv, err := a.HistoricalVolatility30d(ctx, "spy")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, hv, 0.01)

	_, err = a.IVPercentile(ctx, "SPY", 0.5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Contains(t, store.profiles, "SPY")

	*now = now.Add(24 * time.Hour)
	_, err = a.Profile(ctx, "SPY")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "next day rebuilds")
}

func TestAnalyzerUsesStaleProfileOnFailure(t *testing.T) {
	src := &fakeBars{closes: map[string][]float64{"QQQ": alternating(300, 0.3)}}
	a, now := newTestAnalyzer(src, nil)
	ctx := context.Background()

	first, err := a.Profile(ctx, "QQQ")
	require.NoError(t, err)

	*now = now.Add(48 * time.Hour)
	src.err = fmt.Errorf("%w: down", contracts.ErrUnavailable)
	p, err := a.Profile(ctx, "QQQ")
	require.NoError(t, err)
	assert.Same(t, first, p)
}

func TestAnalyzerStoreServesTodaysProfile(t *testing.T) {
	src := &fakeBars{}
	store := &memStore{profiles: map[string]*Profile{
		"IWM": {Symbol: "IWM", HV30: 0.33, BuiltOn: "2024-05-06"},
	}}
	a, _ := newTestAnalyzer(src, store)

	hv, err := a.HistoricalVolatility30d(context.Background(), "IWM")
	require.NoError(t, err)
	assert.Equal(t, 0.33, hv)
	assert.Zero(t, src.calls.Load())
}

func TestAnalyzerDefaultsWithoutHistory(t *testing.T) {
	src := &fakeBars{closes: map[string][]float64{"NEW": alternating(10, 0.5)}}
	a, _ := newTestAnalyzer(src, nil)
	ctx := context.Background()

	p, err := a.Profile(ctx, "NEW")
	require.NoError(t, err)
	assert.True(t, p.Estimated)
	assert.Equal(t, DefaultHV, p.HV30)
	assert.Empty(t, p.Distribution)

	pct, err := a.IVPercentile(ctx, "NEW", 0.15)
	require.NoError(t, err)
	assert.Equal(t, 25.0, pct)

	hv, err := a.HistoricalVolatility30d(ctx, "MISSING")
	require.NoError(t, err)
	assert.Equal(t, DefaultHV, hv)
}

func TestScanProfilePrefersCached(t *testing.T) {
	src := &fakeBars{closes: map[string][]float64{"AAPL": alternating(100, 0.2)}}
	a, now := newTestAnalyzer(src, nil)
	ctx := context.Background()

	_, err := a.ScanProfile(ctx, "AAPL")
	require.NoError(t, err)
	*now = now.Add(72 * time.Hour)
	_, err = a.ScanProfile(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRebuildAll(t *testing.T) {
	src := &fakeBars{
		closes: map[string][]float64{
			"SPY":  alternating(300, 0.2),
			"QQQ":  alternating(300, 0.25),
			"AAPL": alternating(300, 0.3),
		},
		delay: 5 * time.Millisecond,
	}
	a, _ := newTestAnalyzer(src, nil)

	stats := a.RebuildAll(context.Background(), []string{"SPY", "QQQ", "AAPL", "GONE"}, 2)
	assert.Equal(t, 4, stats.Symbols)
	assert.Equal(t, 3, stats.Built)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, a.Len())

	stats = a.RebuildAll(context.Background(), []string{"SPY"}, 2)
	assert.Equal(t, 1, stats.Built)
	assert.Equal(t, int32(4), src.calls.Load(), "today's profiles are not refetched")
}
