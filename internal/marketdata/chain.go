package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/logger"
)

type chainEntry struct {
	chain    *contracts.ChainSnapshot
	from, to time.Time
}

// ChainFallback tries each chain source in order. When every source is unavailable it
// serves the last good chain for the same window, if younger than maxStale.
type ChainFallback struct {
	sources  []contracts.ChainSource
	breakers *BreakerSet
	maxStale time.Duration
	logger   *logger.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last map[string]chainEntry
}

// NewChainFallback builds the fallback over sources
func NewChainFallback(breakers *BreakerSet, maxStale time.Duration, log *logger.Logger, sources ...contracts.ChainSource) *ChainFallback {
	if log == nil {
		log = logger.Nop()
	}
	if breakers == nil {
		breakers = NewBreakerSet(BreakerConfig{})
	}
	return &ChainFallback{
		sources:  sources,
		breakers: breakers,
		maxStale: maxStale,
		logger:   log.Component("chain_fallback"),
		now:      time.Now,
		last:     make(map[string]chainEntry),
	}
}

// Name identifies the fallback as a ChainSource
func (f *ChainFallback) Name() string {
	return "chain_fallback"
}

// Chain returns the first source's answer. A "not found" answer is final.
func (f *ChainFallback) Chain(ctx context.Context, underlying string, from, to time.Time) (*contracts.ChainSnapshot, error) {
	underlying = contracts.NormalizeSymbol(underlying)

	var lastErr error
	for _, src := range f.sources {
		chain, err := call(f.breakers, src.Name(), func() (*contracts.ChainSnapshot, error) {
			return src.Chain(ctx, underlying, from, to)
		})
		if err == nil {
			f.remember(underlying, chain, from, to)
			return chain, nil
		}
		if errors.Is(err, contracts.ErrNotFound) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		f.logger.WithError(err).WithFields(map[string]interface{}{
			"underlying": underlying,
			"source":     src.Name(),
		}).Debug("Chain source failed")
	}

	if chain, ok := f.recall(underlying, from, to); ok {
		f.logger.WithFields(map[string]interface{}{
			"underlying": underlying,
			"age":        f.now().Sub(chain.FetchedAt).String(),
		}).Warn("Serving stale option chain")
		return chain, nil
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: no chain source configured", contracts.ErrUnavailable)
	}
	if !contracts.IsAvailabilityError(lastErr) {
		return nil, fmt.Errorf("%w: %w", contracts.ErrUnavailable, lastErr)
	}
	return nil, lastErr
}

func (f *ChainFallback) remember(underlying string, chain *contracts.ChainSnapshot, from, to time.Time) {
	if f.maxStale <= 0 {
		return
	}
	f.mu.Lock()
	f.last[underlying] = chainEntry{chain: chain, from: from, to: to}
	f.mu.Unlock()
}

func (f *ChainFallback) recall(underlying string, from, to time.Time) (*contracts.ChainSnapshot, bool) {
	if f.maxStale <= 0 {
		return nil, false
	}
	f.mu.RLock()
	e, ok := f.last[underlying]
	f.mu.RUnlock()

	if !ok || !e.from.Equal(from) || !e.to.Equal(to) {
		return nil, false
	}
	if f.now().Sub(e.chain.FetchedAt) > f.maxStale {
		return nil, false
	}
	return e.chain, true
}
