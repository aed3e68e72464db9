package signals

import (
	"math"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/config"
)

// Weights are the points and thresholds of each layer
type Weights struct {
	MinComposite     int
	MinNonZeroLayers int

	MaxPainPoints    int
	MaxPainProximity float64 // |spot-strike|/spot

	SkewPoints int
	SkewRatio  float64 // call IV below this share of put IV

	SweepPoints int
	SweepRatio  float64 // volume above this share of open interest

	RSIPoints int
	RSILow    float64
	RSIHigh   float64
	RSIMaxDTE int
}

// DefaultWeights are the 30/25/30/15 layers with an 85 point threshold
func DefaultWeights() Weights {
	return Weights{
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
	}
}

// WeightsFromConfig reads the scoring section of the scanner config
func WeightsFromConfig(cfg config.ScannerConfig) Weights {
	return Weights{
		MinComposite:     cfg.MinComposite,
		MinNonZeroLayers: cfg.MinNonZeroLayers,
		MaxPainPoints:    cfg.MaxPainPoints,
		MaxPainProximity: cfg.MaxPainProximity,
		SkewPoints:       cfg.SkewPoints,
		SkewRatio:        cfg.SkewRatio,
		SweepPoints:      cfg.SweepPoints,
		SweepRatio:       cfg.SweepRatio,
		RSIPoints:        cfg.RSIPoints,
		RSILow:           cfg.RSILow,
		RSIHigh:          cfg.RSIHigh,
		RSIMaxDTE:        cfg.RSIMaxDTE,
	}
}

// Scorer awards the four independent layers
// ⭐ SSOT: contract scoring happens here only
type Scorer struct {
	w Weights
}

// NewScorer creates a scorer
func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Score returns the layer breakdown of c given its symbol context and days to expiry
func (s *Scorer) Score(sc SymbolContext, c contracts.OptionContract, dte int) contracts.ScoreBreakdown {
	var b contracts.ScoreBreakdown

	if sc.HasMaxPain && sc.Spot > 0 && math.Abs(sc.Spot-sc.MaxPain)/sc.Spot <= s.w.MaxPainProximity {
		b.MaxPain = s.w.MaxPainPoints
	}

	if sc.HasSkew && sc.PutIV > 0 && sc.CallIV < s.w.SkewRatio*sc.PutIV {
		b.IVSkew = s.w.SkewPoints
	}

	if c.OpenInterest > 0 && float64(c.Volume) > s.w.SweepRatio*float64(c.OpenInterest) {
		b.Sweep = s.w.SweepPoints
	}

	if sc.HasRSI && dte <= s.w.RSIMaxDTE && (sc.RSI < s.w.RSILow || sc.RSI > s.w.RSIHigh) {
		b.RSIExpiry = s.w.RSIPoints
	}

	b.Composite = b.Sum()
	return b
}

// Eligible requires the composite threshold and at least MinNonZeroLayers contributing layers
func (s *Scorer) Eligible(b contracts.ScoreBreakdown) bool {
	return b.Composite >= s.w.MinComposite && b.NonZeroLayers() >= s.w.MinNonZeroLayers
}
