package scanner

import (
	"math"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/config"
)

// Rejection reasons, in the order gates are applied
const (
	RejectNoQuote      = "no_quote"
	RejectPremium      = "premium"
	RejectSpread       = "spread"
	RejectVolume       = "volume"
	RejectOpenInterest = "open_interest"
	RejectGreeks       = "greeks_invalid"
	RejectDelta        = "delta"
	RejectTheta        = "theta"
	RejectGamma        = "gamma"
	RejectIVCeiling    = "iv_ceiling"
	RejectIVPercentile = "iv_percentile"
	RejectScore        = "score"
)

// Gates are the pre-score entry filters. Cheap quote checks run before any pricing.
type Gates struct {
	cfg config.ScannerConfig
}

// NewGates creates gates over the scanner config
func NewGates(cfg config.ScannerConfig) *Gates {
	return &Gates{cfg: cfg}
}

func (g *Gates) mode(m contracts.ScanMode) config.ModeGates {
	if m == contracts.ModeSameDay {
		return g.cfg.SameDay
	}
	return g.cfg.NextDay
}

// CheckQuote applies the premium, spread, volume and open interest gates.
// It returns the first failing reason, or "" when c passes.
func (g *Gates) CheckQuote(c contracts.OptionContract, mode contracts.ScanMode, index bool) string {
	premium := c.Mid()
	if premium <= 0 || math.IsNaN(premium) {
		return RejectNoQuote
	}

	lo, hi := g.cfg.MinPremium, g.cfg.MaxPremium
	if index {
		lo, hi = g.cfg.IndexMinPremium, g.cfg.IndexMaxPremium
	}
	if premium < lo || premium > hi {
		return RejectPremium
	}

	mg := g.mode(mode)
	if c.SpreadPct() > mg.MaxSpreadPct {
		return RejectSpread
	}
	if c.Volume < mg.MinVolume {
		return RejectVolume
	}
	if c.OpenInterest < mg.MinOpenInterest {
		return RejectOpenInterest
	}
	return ""
}

// CheckGreeks applies the delta, theta, gamma, IV ceiling and IV percentile gates
func (g *Gates) CheckGreeks(gr contracts.Greeks, iv, ivCeiling, ivPercentile float64) string {
	if !gr.Valid() || math.IsNaN(iv) {
		return RejectGreeks
	}
	if d := math.Abs(gr.Delta); d < g.cfg.MinDelta || d > g.cfg.MaxDelta {
		return RejectDelta
	}
	if gr.Theta >= g.cfg.MaxTheta {
		return RejectTheta
	}
	if gr.Gamma <= g.cfg.MinGamma {
		return RejectGamma
	}
	if ivCeiling > 0 && iv > ivCeiling {
		return RejectIVCeiling
	}
	if ivPercentile > g.cfg.MaxIVPercentile {
		return RejectIVPercentile
	}
	return ""
}
