package scanner

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/grahams11/finguru/internal/pricing"
)

// Exits are the take-profit and stop levels for one entry
type Exits struct {
	TargetPremium float64
	StopPremium   float64
	TargetSpot    float64
	StopSpot      float64
	TargetMovePct float64
	StopMovePct   float64
	Estimated     bool // a delta-ratio estimate stood in for the solver
}

// RoundToTick rounds v to the nearest multiple of tick
func RoundToTick(v, tick float64) float64 {
	if tick <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(v).Div(t).Round(0).Mul(t).InexactFloat64()
}

// computeExits prices the target and stop premiums and solves the underlying move that reaches each
func computeExits(engine *pricing.Engine, in pricing.Inputs, premium, delta, gainPct, lossPct, tick float64) Exits {
	e := Exits{
		TargetPremium: RoundToTick(premium*(1+gainPct), tick),
		StopPremium:   math.Max(RoundToTick(premium*(1-lossPct), tick), tick),
	}

	var estimated bool
	e.TargetSpot, estimated = solveSpot(engine, in, e.TargetPremium, premium, delta)
	e.Estimated = e.Estimated || estimated
	e.StopSpot, estimated = solveSpot(engine, in, e.StopPremium, premium, delta)
	e.Estimated = e.Estimated || estimated

	if in.Spot > 0 {
		e.TargetMovePct = (e.TargetSpot - in.Spot) / in.Spot * 100
		e.StopMovePct = (e.StopSpot - in.Spot) / in.Spot * 100
	}
	return e
}

func solveSpot(engine *pricing.Engine, in pricing.Inputs, target, premium, delta float64) (float64, bool) {
	if s, err := engine.SolveUnderlying(target, in); err == nil && s > 0 {
		return RoundToTick(s, 0.01), false
	}
	s, _ := pricing.EstimateUnderlyingMove(in.Spot, target-premium, delta)
	return RoundToTick(s, 0.01), true
}
