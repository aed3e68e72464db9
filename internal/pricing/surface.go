package pricing

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
)

type surfaceKey struct {
	symbol string
	expiry string
}

type strikeKey struct {
	strike float64
	typ    contracts.OptionType
}

type surfacePoint struct {
	in    Inputs
	terms Terms
}

// SurfaceCache memoizes Black-Scholes terms across a strike ladder for one (symbol, expiry).
// Create one per scan; concurrent Warm calls for the same key overwrite each other with
// identical data.
type SurfaceCache struct {
	engine *Engine

	mu       sync.RWMutex
	surfaces map[surfaceKey]map[strikeKey]surfacePoint

	hits   atomic.Int64
	misses atomic.Int64
}

// SurfaceStats reports cache effectiveness
type SurfaceStats struct {
	Surfaces int   `json:"surfaces"`
	Points   int   `json:"points"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// NewSurfaceCache creates an empty cache on engine
func NewSurfaceCache(engine *Engine) *SurfaceCache {
	if engine == nil {
		engine = Default()
	}
	return &SurfaceCache{
		engine:   engine,
		surfaces: make(map[surfaceKey]map[strikeKey]surfacePoint),
	}
}

func newSurfaceKey(symbol string, expiry time.Time) surfaceKey {
	return surfaceKey{symbol: symbol, expiry: expiry.Format("2006-01-02")}
}

// Warm computes terms for every input in one pass and swaps the surface in
func (c *SurfaceCache) Warm(symbol string, expiry time.Time, inputs []Inputs) {
	points := make(map[strikeKey]surfacePoint, len(inputs))
	for _, in := range inputs {
		if in.expired() {
			continue
		}
		points[strikeKey{in.Strike, in.Type}] = surfacePoint{in: in, terms: c.engine.Terms(in)}
	}

	c.mu.Lock()
	c.surfaces[newSurfaceKey(symbol, expiry)] = points
	c.mu.Unlock()
}

// lookup returns cached terms when the stored inputs match in
func (c *SurfaceCache) lookup(symbol string, expiry time.Time, in Inputs) (Terms, bool) {
	c.mu.RLock()
	points, ok := c.surfaces[newSurfaceKey(symbol, expiry)]
	var p surfacePoint
	if ok {
		p, ok = points[strikeKey{in.Strike, in.Type}]
	}
	c.mu.RUnlock()

	if !ok || !sameInputs(p.in, in) {
		c.misses.Add(1)
		return Terms{}, false
	}
	c.hits.Add(1)
	return p.terms, true
}

// Greeks returns Greeks from cached terms, computing directly when cold
func (c *SurfaceCache) Greeks(symbol string, expiry time.Time, in Inputs) contracts.Greeks {
	if in.expired() {
		return expiredGreeks(in)
	}
	if t, ok := c.lookup(symbol, expiry, in); ok {
		return greeksFromTerms(in, t)
	}
	return c.engine.Greeks(in)
}

// Price returns the option value from cached terms, computing directly when cold
func (c *SurfaceCache) Price(symbol string, expiry time.Time, in Inputs) float64 {
	if in.expired() {
		return in.Intrinsic()
	}
	if t, ok := c.lookup(symbol, expiry, in); ok {
		return priceFromTerms(in, t)
	}
	return c.engine.Price(in)
}

// Engine returns the underlying pricer
func (c *SurfaceCache) Engine() *Engine {
	return c.engine
}

// Stats returns a snapshot of cache counters
func (c *SurfaceCache) Stats() SurfaceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := SurfaceStats{Surfaces: len(c.surfaces), Hits: c.hits.Load(), Misses: c.misses.Load()}
	for _, pts := range c.surfaces {
		s.Points += len(pts)
	}
	return s
}

func sameInputs(a, b Inputs) bool {
	const eps = 1e-12
	return a.Type == b.Type &&
		math.Abs(a.Spot-b.Spot) < eps &&
		math.Abs(a.Strike-b.Strike) < eps &&
		math.Abs(a.T-b.T) < eps &&
		math.Abs(a.Rate-b.Rate) < eps &&
		math.Abs(a.Vol-b.Vol) < eps
}
