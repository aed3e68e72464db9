package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/internal/contracts"
)

func opt(typ contracts.OptionType, strike float64, oi, vol int64, iv float64) contracts.OptionContract {
	return contracts.OptionContract{
		Underlying:   "SPY",
		Type:         typ,
		Strike:       strike,
		OpenInterest: oi,
		Volume:       vol,
		IV:           iv,
		Expiry:       time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}

	tests := []struct {
		name   string
		closes []float64
		want   float64
		ok     bool
	}{
		{"too short", rising[:14], 50, false},
		{"only gains", rising, 100, true},
		{"flat", []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}, 50, true},
		// 7 gains of 1, 7 losses of 1 → RS 1
		{"balanced", []float64{10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10}, 50, true},
		// gains 2×7=14, losses 1×7=7 → RS 2 → 66.67
		{"two to one", []float64{10, 12, 11, 13, 12, 14, 13, 15, 14, 16, 15, 17, 16, 18, 17}, 100 - 100.0/3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RSI(tt.closes, RSIPeriod)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRSIUsesMostRecentWindow(t *testing.T) {
	closes := []float64{100, 50, 10}
	for i := 0; i < RSIPeriod; i++ {
		closes = append(closes, closes[len(closes)-1]+1)
	}
	got, ok := RSI(closes, RSIPeriod)
	require.True(t, ok)
	assert.Equal(t, 100.0, got, "old losses fall outside the window")
}

func TestMaxPainStrike(t *testing.T) {
	cs := []contracts.OptionContract{
		opt(contracts.Call, 500, 1000, 0, 0),
		opt(contracts.Put, 500, 1500, 0, 0),
		opt(contracts.Call, 505, 2400, 0, 0),
		opt(contracts.Put, 495, 2500, 0, 0),
	}
	strike, ok := MaxPainStrike(cs)
	require.True(t, ok)
	assert.Equal(t, 495.0, strike, "ties go to the lower strike")

	cs = append(cs, opt(contracts.Put, 500, 100, 0, 0))
	strike, _ = MaxPainStrike(cs)
	assert.Equal(t, 500.0, strike)

	_, ok = MaxPainStrike([]contracts.OptionContract{opt(contracts.Call, 1, 0, 0, 0)})
	assert.False(t, ok)
}

func TestIVSkew(t *testing.T) {
	cs := []contracts.OptionContract{
		opt(contracts.Call, 500, 0, 0, 0.20),
		opt(contracts.Call, 505, 0, 0, 0.22),
		opt(contracts.Put, 495, 0, 0, 0.30),
		opt(contracts.Put, 490, 0, 0, 0),
	}
	callIV, putIV, ok := IVSkew(cs)
	require.True(t, ok)
	assert.InDelta(t, 0.21, callIV, 1e-12)
	assert.InDelta(t, 0.30, putIV, 1e-12)

	_, _, ok = IVSkew(cs[:2])
	assert.False(t, ok)
}

func TestScoreLayers(t *testing.T) {
	s := NewScorer(DefaultWeights())
	full := SymbolContext{
		Spot: 500, MaxPain: 502, HasMaxPain: true,
		CallIV: 0.20, PutIV: 0.25, HasSkew: true,
		RSI: 25, HasRSI: true,
	}
	sweep := opt(contracts.Call, 505, 1000, 600, 0.2)

	tests := []struct {
		name string
		sc   SymbolContext
		c    contracts.OptionContract
		dte  int
		want contracts.ScoreBreakdown
	}{
		{"all layers", full, sweep, 1, contracts.ScoreBreakdown{MaxPain: 30, IVSkew: 25, Sweep: 30, RSIExpiry: 15, Composite: 100}},
		{"rsi needs near expiry", full, sweep, 4, contracts.ScoreBreakdown{MaxPain: 30, IVSkew: 25, Sweep: 30, Composite: 85}},
		{"spot too far from max pain", SymbolContext{Spot: 500, MaxPain: 510, HasMaxPain: true}, sweep, 1, contracts.ScoreBreakdown{Sweep: 30, Composite: 30}},
		{"no sweep at half OI", full, opt(contracts.Call, 505, 1000, 500, 0.2), 5, contracts.ScoreBreakdown{MaxPain: 30, IVSkew: 25, Composite: 55}},
		{"neutral skew", SymbolContext{CallIV: 0.24, PutIV: 0.25, HasSkew: true}, contracts.OptionContract{}, 0, contracts.ScoreBreakdown{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.sc, tt.c, tt.dte)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEligible(t *testing.T) {
	s := NewScorer(DefaultWeights())
	assert.True(t, s.Eligible(contracts.ScoreBreakdown{MaxPain: 30, IVSkew: 25, Sweep: 30, Composite: 85}))
	assert.False(t, s.Eligible(contracts.ScoreBreakdown{MaxPain: 30, Sweep: 30, Composite: 60}))
}

func TestSingleLayerCannotQualifyAlone(t *testing.T) {
	w := DefaultWeights()
	w.SweepPoints = 90
	s := NewScorer(w)

	b := s.Score(SymbolContext{}, opt(contracts.Call, 100, 100, 90, 0.3), 10)
	require.Equal(t, 90, b.Composite)
	assert.Equal(t, 1, b.NonZeroLayers())
	assert.False(t, s.Eligible(b))
}
