package httputil

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Priority selects which limiter a request waits on
type Priority int

const (
	// PriorityStandard is interactive traffic: concurrency cap, spacing and a per-minute reservoir
	PriorityStandard Priority = iota
	// PriorityBulk is background scanning: concurrency cap and spacing only
	PriorityBulk
)

func (p Priority) String() string {
	if p == PriorityBulk {
		return "bulk"
	}
	return "standard"
}

// LimiterConfig sizes one limiter
type LimiterConfig struct {
	MaxConcurrent   int
	MinSpacing      time.Duration
	ReservoirPerMin int // 0 disables the reservoir
}

// limiter combines a concurrency semaphore, a spacing limiter and an optional reservoir
type limiter struct {
	sem       chan struct{}
	spacing   *rate.Limiter
	reservoir *rate.Limiter
	queued    atomic.Int64
}

func newLimiter(cfg LimiterConfig) *limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	spacing := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}

	var reservoir *rate.Limiter
	if cfg.ReservoirPerMin > 0 {
		// burst of the full reservoir, refilled evenly over a minute
		reservoir = rate.NewLimiter(rate.Limit(float64(cfg.ReservoirPerMin)/60.0), cfg.ReservoirPerMin)
	}

	return &limiter{
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		spacing:   spacing,
		reservoir: reservoir,
	}
}

// acquire blocks until a slot is available; release must be called exactly once
func (l *limiter) acquire(ctx context.Context) (release func(), err error) {
	l.queued.Add(1)
	defer l.queued.Add(-1)

	if l.reservoir != nil {
		if err := l.reservoir.Wait(ctx); err != nil {
			return nil, err
		}
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := l.spacing.Wait(ctx); err != nil {
		<-l.sem
		return nil, err
	}

	return func() { <-l.sem }, nil
}

// depth is the number of callers waiting for a slot
func (l *limiter) depth() int {
	return int(l.queued.Load())
}

// inFlight is the number of held slots
func (l *limiter) inFlight() int {
	return len(l.sem)
}
