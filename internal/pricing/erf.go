package pricing

import (
	"math"
	"sync"
)

const (
	defaultErfMin  = -4.0
	defaultErfMax  = 4.0
	defaultErfStep = 5e-5
)

// ErfTable is a fixed-step, linearly interpolated erf approximation.
// Read-only after construction; safe for concurrent use.
type ErfTable struct {
	min    float64
	max    float64
	step   float64
	values []float64
}

var (
	defaultTable     *ErfTable
	defaultTableOnce sync.Once
)

// DefaultErfTable returns the process-wide table over [-4, 4] with step 5e-5
func DefaultErfTable() *ErfTable {
	defaultTableOnce.Do(func() {
		defaultTable = NewErfTable(defaultErfMin, defaultErfMax, defaultErfStep)
	})
	return defaultTable
}

// NewErfTable precomputes erf on [min, max] at the given step
func NewErfTable(min, max, step float64) *ErfTable {
	n := int(math.Round((max-min)/step)) + 1
	values := make([]float64, n)
	for i := range values {
		values[i] = erfPoly(min + float64(i)*step)
	}
	return &ErfTable{min: min, max: max, step: step, values: values}
}

// Lookup returns erf(x) interpolated between the two nearest entries.
// Inputs outside the table clamp to the boundary value.
func (t *ErfTable) Lookup(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x <= t.min {
		return t.values[0]
	}
	if x >= t.max {
		return t.values[len(t.values)-1]
	}

	pos := (x - t.min) / t.step
	i := int(pos)
	if i >= len(t.values)-1 {
		return t.values[len(t.values)-1]
	}
	frac := pos - float64(i)
	return t.values[i] + frac*(t.values[i+1]-t.values[i])
}

// Len returns the number of table entries
func (t *ErfTable) Len() int {
	return len(t.values)
}

// erfPoly is Abramowitz & Stegun 7.1.26, max absolute error 1.5e-7
func erfPoly(x float64) float64 {
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}

	k := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*k+a4)*k)+a3)*k+a2)*k+a1)*k*math.Exp(-x*x)
	return sign * y
}
