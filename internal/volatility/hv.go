package volatility

import (
	"math"
	"sort"
)

const (
	// TradingDays annualizes daily volatility
	TradingDays = 252

	// DefaultHV is returned when there is too little history to estimate
	DefaultHV = 0.20

	// MinBars is the fewest closes HistoricalVolatility accepts
	MinBars = 20

	// HVWindow is the number of daily returns in one HV estimate
	HVWindow = 30

	// Lookback is the number of window positions in a distribution
	Lookback = 252
)

// HistoricalVolatility returns the annualized stdev of the last window daily log returns.
// ok is false with fewer than MinBars usable closes.
func HistoricalVolatility(closes []float64, window int) (hv float64, ok bool) {
	returns := logReturns(closes)
	if len(returns)+1 < MinBars {
		return 0, false
	}
	if window > 0 && len(returns) > window {
		returns = returns[len(returns)-window:]
	}
	return annualized(returns), true
}

// BuildDistribution slides a window-return window across the last lookback positions
// of closes and returns the sorted HV samples. Nil when closes cannot fill one window.
func BuildDistribution(closes []float64, window, lookback int) []float64 {
	returns := logReturns(closes)
	if window <= 1 || len(returns) < window {
		return nil
	}

	positions := len(returns) - window + 1
	start := 0
	if lookback > 0 && positions > lookback {
		start = positions - lookback
	}

	samples := make([]float64, 0, positions-start)
	for i := start; i < positions; i++ {
		samples = append(samples, annualized(returns[i:i+window]))
	}
	sort.Float64s(samples)
	return samples
}

// Percentile is the share of samples strictly below iv, times 100.
// samples must be sorted ascending.
func Percentile(samples []float64, iv float64) (float64, bool) {
	if len(samples) == 0 || math.IsNaN(iv) {
		return 0, false
	}
	below := sort.SearchFloat64s(samples, iv)
	return float64(below) / float64(len(samples)) * 100, true
}

// FallbackPercentile places iv in one of two coarse buckets relative to hv30
func FallbackPercentile(iv, hv30 float64) float64 {
	if iv <= hv30 {
		return 25
	}
	return 75
}

func logReturns(closes []float64) []float64 {
	returns := make([]float64, 0, len(closes))
	prev := 0.0
	for _, c := range closes {
		if c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			continue
		}
		if prev > 0 {
			returns = append(returns, math.Log(c/prev))
		}
		prev = c
	}
	return returns
}

// annualized returns the sample standard deviation scaled by √252
func annualized(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss/float64(n-1)) * math.Sqrt(TradingDays)
}
