// Package marketdata chains the live feed and the REST providers into single
// quote, chain and bar sources with per-provider circuit breakers.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/realtime/cache"
	"github.com/grahams11/finguru/pkg/logger"
)

// LiveQuotes is the slice of the feed manager the quote chain reads
type LiveQuotes interface {
	GetQuote(symbol string) (contracts.QuoteSnapshot, bool)
	AwaitQuote(ctx context.Context, symbol string, timeout time.Duration) (contracts.QuoteSnapshot, bool)
}

// QuoteChain answers quotes from the live feed first, then each REST tier in order
// ⭐ SSOT: engine and scanner quote reads go through this chain
type QuoteChain struct {
	live     LiveQuotes
	cache    *cache.QuoteCache
	tiers    []contracts.QuoteSource
	breakers *BreakerSet
	wait     time.Duration
	logger   *logger.Logger
}

// NewQuoteChain builds a chain. live and quoteCache may be nil; wait bounds AwaitQuote.
func NewQuoteChain(live LiveQuotes, quoteCache *cache.QuoteCache, breakers *BreakerSet, wait time.Duration, log *logger.Logger, tiers ...contracts.QuoteSource) *QuoteChain {
	if log == nil {
		log = logger.Nop()
	}
	if breakers == nil {
		breakers = NewBreakerSet(BreakerConfig{})
	}
	return &QuoteChain{
		live:     live,
		cache:    quoteCache,
		tiers:    tiers,
		breakers: breakers,
		wait:     wait,
		logger:   log.Component("quote_chain"),
	}
}

// Name identifies the chain as a QuoteSource
func (c *QuoteChain) Name() string {
	return "quote_chain"
}

// Quote returns the freshest answer any tier can give
func (c *QuoteChain) Quote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, error) {
	symbol = contracts.NormalizeSymbol(symbol)
	if symbol == "" {
		return contracts.QuoteSnapshot{}, fmt.Errorf("%w: empty symbol", contracts.ErrDataValidation)
	}

	if c.live != nil {
		if q, ok := c.live.GetQuote(symbol); ok {
			return q, nil
		}
		if c.wait > 0 {
			if q, ok := c.live.AwaitQuote(ctx, symbol, c.wait); ok {
				return q, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return contracts.QuoteSnapshot{}, err
	}

	var lastErr error
	notFound := 0
	for _, tier := range c.tiers {
		q, err := call(c.breakers, tier.Name(), func() (contracts.QuoteSnapshot, error) {
			return tier.Quote(ctx, symbol)
		})
		if err == nil {
			if c.cache != nil && q.Price() > 0 {
				c.cache.Put(q)
			}
			return q, nil
		}
		if errors.Is(err, context.Canceled) {
			return contracts.QuoteSnapshot{}, err
		}
		if errors.Is(err, contracts.ErrNotFound) {
			notFound++
		}
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"symbol": symbol,
			"tier":   tier.Name(),
		}).Debug("Quote tier failed")
		lastErr = err
	}

	switch {
	case lastErr == nil:
		return contracts.QuoteSnapshot{}, fmt.Errorf("%w: no quote source for %s", contracts.ErrUnavailable, symbol)
	case notFound == len(c.tiers):
		return contracts.QuoteSnapshot{}, fmt.Errorf("%w: %s has no quote", contracts.ErrNotFound, symbol)
	case contracts.IsAvailabilityError(lastErr):
		return contracts.QuoteSnapshot{}, lastErr
	default:
		return contracts.QuoteSnapshot{}, fmt.Errorf("%w: %w", contracts.ErrUnavailable, lastErr)
	}
}

// Breakers exposes circuit state for health endpoints
func (c *QuoteChain) Breakers() []BreakerStatus {
	return c.breakers.Snapshot()
}
