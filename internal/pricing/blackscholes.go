package pricing

import (
	"math"

	"github.com/grahams11/finguru/internal/contracts"
)

const (
	daysPerYear = 365.0
	invSqrt2    = 1 / math.Sqrt2
	invSqrt2Pi  = 0.3989422804014327
)

// Inputs are the Black-Scholes parameters for one contract.
// T is in years, Rate and Vol are annualized decimals.
type Inputs struct {
	Spot   float64
	Strike float64
	T      float64
	Rate   float64
	Vol    float64
	Type   contracts.OptionType
}

// expired reports whether the closed form degenerates to intrinsic value
func (in Inputs) expired() bool {
	return in.T <= 0 || in.Vol <= 0 || in.Spot <= 0 || in.Strike <= 0
}

// Intrinsic returns the exercise value at spot
func (in Inputs) Intrinsic() float64 {
	if in.Type == contracts.Put {
		return math.Max(in.Strike-in.Spot, 0)
	}
	return math.Max(in.Spot-in.Strike, 0)
}

// Terms are the intermediate values shared by price and every Greek
type Terms struct {
	D1       float64
	D2       float64
	Nd1      float64 // N(d1)
	Nd2      float64 // N(d2)
	Pdf1     float64 // n(d1)
	SqrtT    float64
	Discount float64 // e^(-rT)
}

// Engine prices European options. Safe for concurrent use.
type Engine struct {
	erf     *ErfTable
	maxIter int
}

// NewEngine builds an engine on the given erf table
func NewEngine(table *ErfTable) *Engine {
	if table == nil {
		table = DefaultErfTable()
	}
	return &Engine{erf: table, maxIter: 100}
}

// Default returns an engine on the process-wide erf table
func Default() *Engine {
	return NewEngine(nil)
}

// CDF is the standard normal cumulative distribution via the erf table
func (e *Engine) CDF(x float64) float64 {
	return 0.5 * (1 + e.erf.Lookup(x*invSqrt2))
}

// PDF is the standard normal density
func PDF(x float64) float64 {
	return invSqrt2Pi * math.Exp(-0.5*x*x)
}

// Terms evaluates d1, d2 and their distribution values
func (e *Engine) Terms(in Inputs) Terms {
	sqrtT := math.Sqrt(in.T)
	volSqrtT := in.Vol * sqrtT
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+0.5*in.Vol*in.Vol)*in.T) / volSqrtT
	d2 := d1 - volSqrtT
	return Terms{
		D1:       d1,
		D2:       d2,
		Nd1:      e.CDF(d1),
		Nd2:      e.CDF(d2),
		Pdf1:     PDF(d1),
		SqrtT:    sqrtT,
		Discount: math.Exp(-in.Rate * in.T),
	}
}

// Price returns the option value, intrinsic when expired
func (e *Engine) Price(in Inputs) float64 {
	if in.expired() {
		return in.Intrinsic()
	}
	return priceFromTerms(in, e.Terms(in))
}

// Greeks returns the sensitivities; an expired contract has only a step delta
func (e *Engine) Greeks(in Inputs) contracts.Greeks {
	if in.expired() {
		return expiredGreeks(in)
	}
	return greeksFromTerms(in, e.Terms(in))
}

func priceFromTerms(in Inputs, t Terms) float64 {
	kd := in.Strike * t.Discount
	if in.Type == contracts.Put {
		return kd*(1-t.Nd2) - in.Spot*(1-t.Nd1)
	}
	return in.Spot*t.Nd1 - kd*t.Nd2
}

func greeksFromTerms(in Inputs, t Terms) contracts.Greeks {
	kd := in.Strike * t.Discount
	gamma := t.Pdf1 / (in.Spot * in.Vol * t.SqrtT)
	vega := in.Spot * t.Pdf1 * t.SqrtT / 100
	decay := -in.Spot * t.Pdf1 * in.Vol / (2 * t.SqrtT)

	if in.Type == contracts.Put {
		return contracts.Greeks{
			Delta: t.Nd1 - 1,
			Gamma: gamma,
			Theta: (decay + in.Rate*kd*(1-t.Nd2)) / daysPerYear,
			Vega:  vega,
			Rho:   -in.T * kd * (1 - t.Nd2) / 100,
		}
	}
	return contracts.Greeks{
		Delta: t.Nd1,
		Gamma: gamma,
		Theta: (decay - in.Rate*kd*t.Nd2) / daysPerYear,
		Vega:  vega,
		Rho:   in.T * kd * t.Nd2 / 100,
	}
}

func expiredGreeks(in Inputs) contracts.Greeks {
	var g contracts.Greeks
	switch {
	case in.Type == contracts.Put && in.Spot < in.Strike:
		g.Delta = -1
	case in.Type != contracts.Put && in.Spot > in.Strike:
		g.Delta = 1
	}
	return g
}
