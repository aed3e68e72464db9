package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/grahams11/finguru/internal/contracts"
)

const (
	ivSeed      = 0.3
	ivMin       = 0.001
	ivMax       = 5.0
	ivTolerance = 1e-4

	bracketWidth     = 0.10
	bracketDoublings = 5
	bisectionSteps   = 8
	newtonSteps      = 20
	minDelta         = 1e-4
	spotTolerance    = 1e-6

	// MaxMoveFraction caps the delta-ratio fallback at 15% of spot
	MaxMoveFraction = 0.15
)

var (
	ErrArbitrage       = errors.New("price outside no-arbitrage bounds")
	ErrNoConvergence   = errors.New("solver did not converge")
	ErrNotBracketed    = errors.New("target premium not bracketed")
	ErrDegenerateDelta = errors.New("delta too small to refine")
)

// ImpliedVol solves for the volatility that reproduces price.
// Newton-Raphson from 0.3 bounded to [0.001, 5]; bisection takes over when vega vanishes
// or a step leaves the bounds.
func (e *Engine) ImpliedVol(price float64, in Inputs) (float64, error) {
	if in.T <= 0 || in.Spot <= 0 || in.Strike <= 0 || price <= 0 || math.IsNaN(price) {
		return 0, fmt.Errorf("%w: cannot solve iv for price %.4f", contracts.ErrDataValidation, price)
	}

	discount := math.Exp(-in.Rate * in.T)
	var lower, upper float64
	if in.Type == contracts.Put {
		lower = math.Max(in.Strike*discount-in.Spot, 0)
		upper = in.Strike * discount
	} else {
		lower = math.Max(in.Spot-in.Strike*discount, 0)
		upper = in.Spot
	}
	if price < lower || price >= upper {
		return 0, fmt.Errorf("%w: %.4f not in [%.4f, %.4f)", ErrArbitrage, price, lower, upper)
	}

	priceAt := func(vol float64) float64 {
		x := in
		x.Vol = vol
		return e.Price(x)
	}

	vol := ivSeed
	for i := 0; i < e.maxIter; i++ {
		x := in
		x.Vol = vol
		t := e.Terms(x)
		diff := priceFromTerms(x, t) - price
		if math.Abs(diff) < ivTolerance {
			return vol, nil
		}

		vega := in.Spot * t.Pdf1 * t.SqrtT
		if vega < 1e-8 {
			break
		}
		next := vol - diff/vega
		if next <= ivMin || next >= ivMax || math.IsNaN(next) {
			break
		}
		vol = next
	}

	return e.bisectVol(price, priceAt)
}

func (e *Engine) bisectVol(price float64, priceAt func(float64) float64) (float64, error) {
	lo, hi := ivMin, ivMax
	if priceAt(lo) > price || priceAt(hi) < price {
		return 0, fmt.Errorf("%w: iv outside [%.3f, %.1f]", ErrNoConvergence, ivMin, ivMax)
	}
	for i := 0; i < 200; i++ {
		mid := 0.5 * (lo + hi)
		diff := priceAt(mid) - price
		if math.Abs(diff) < ivTolerance {
			return mid, nil
		}
		if diff > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return 0.5 * (lo + hi), nil
}

// SolveUnderlying finds the spot at which the option would be worth target,
// holding strike, time, rate and vol fixed.
func (e *Engine) SolveUnderlying(target float64, in Inputs) (float64, error) {
	if in.expired() || target <= 0 {
		return 0, fmt.Errorf("%w: cannot invert premium %.4f", contracts.ErrDataValidation, target)
	}

	diffAt := func(s float64) float64 {
		x := in
		x.Spot = s
		return e.Price(x) - target
	}

	spot := in.Spot
	var lo, hi float64
	bracketed := false
	width := bracketWidth
	for i := 0; i <= bracketDoublings; i++ {
		lo = math.Max(spot*(1-width), spot*0.01)
		hi = spot * (1 + width)
		if diffAt(lo)*diffAt(hi) <= 0 {
			bracketed = true
			break
		}
		width *= 2
	}
	if !bracketed {
		return 0, fmt.Errorf("%w: %.4f after %d doublings", ErrNotBracketed, target, bracketDoublings)
	}

	fLo := diffAt(lo)
	for i := 0; i < bisectionSteps; i++ {
		mid := 0.5 * (lo + hi)
		fMid := diffAt(mid)
		if fMid == 0 {
			return mid, nil
		}
		if fLo*fMid < 0 {
			hi = mid
		} else {
			lo, fLo = mid, fMid
		}
	}

	s := 0.5 * (lo + hi)
	for i := 0; i < newtonSteps; i++ {
		x := in
		x.Spot = s
		t := e.Terms(x)
		diff := priceFromTerms(x, t) - target
		delta := greeksFromTerms(x, t).Delta
		if math.Abs(delta) < minDelta {
			return 0, fmt.Errorf("%w: |delta|=%.2e at %.4f", ErrDegenerateDelta, math.Abs(delta), s)
		}

		next := s - diff/delta
		// keep Newton inside the bracket, bisect otherwise
		if next <= lo || next >= hi {
			next = 0.5 * (lo + hi)
		}
		fNext := diffAt(next)
		if fNext*fLo < 0 {
			hi = next
		} else {
			lo, fLo = next, fNext
		}
		if fNext == 0 || math.Abs(next-s) < spotTolerance*spot {
			return next, nil
		}
		s = next
	}
	return s, nil
}

// EstimateUnderlyingMove is the linear fallback: spot + dPremium/delta, clamped to +/-15% of spot.
// ok is false when delta is too small for the ratio to mean anything.
func EstimateUnderlyingMove(spot, dPremium, delta float64) (target float64, ok bool) {
	if spot <= 0 || math.Abs(delta) < minDelta {
		return spot, false
	}
	move := dPremium / delta
	limit := MaxMoveFraction * spot
	move = math.Max(-limit, math.Min(limit, move))
	return spot + move, true
}
