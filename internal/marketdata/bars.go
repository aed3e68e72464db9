package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/logger"
)

// BarRepository is a persistent bar source that also accepts writes
type BarRepository interface {
	contracts.BarSource
	contracts.BarStore
}

const (
	// a stored series counts as current if its last bar is within this many days of the window end
	repoEndSlack = 4 * 24 * time.Hour
	// and as complete if its first bar is within this many days of the window start
	repoStartSlack = 7 * 24 * time.Hour
)

// BarChain reads daily bars from the repository, then the network tiers, and writes
// network answers back to the repository
type BarChain struct {
	repo      BarRepository
	network   []contracts.BarSource
	breakers  *BreakerSet
	congested func() bool
	logger    *logger.Logger
}

// NewBarChain builds the chain. repo and congested may be nil.
func NewBarChain(repo BarRepository, breakers *BreakerSet, congested func() bool, log *logger.Logger, network ...contracts.BarSource) *BarChain {
	if log == nil {
		log = logger.Nop()
	}
	if breakers == nil {
		breakers = NewBreakerSet(BreakerConfig{})
	}
	return &BarChain{
		repo:      repo,
		network:   network,
		breakers:  breakers,
		congested: congested,
		logger:    log.Component("bar_chain"),
	}
}

// Name identifies the chain as a BarSource
func (b *BarChain) Name() string {
	return "bar_chain"
}

// DailyBars returns bars for [from, to], oldest first
func (b *BarChain) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	symbol = contracts.NormalizeSymbol(symbol)

	var stored []contracts.Bar
	if b.repo != nil {
		bars, err := b.repo.DailyBars(ctx, symbol, from, to)
		switch {
		case err == nil && covers(bars, from, to):
			return bars, nil
		case err == nil:
			stored = bars
		case !errors.Is(err, contracts.ErrNotFound):
			b.logger.WithError(err).Symbol(symbol).Warn("Bar repository read failed")
		}
	}

	bars, err := b.fetch(ctx, symbol, from, to)
	if err != nil {
		if len(stored) > 0 && !errors.Is(err, context.Canceled) {
			b.logger.WithError(err).Symbol(symbol).Warn("Serving stored bars, network tiers failed")
			return stored, nil
		}
		return nil, err
	}

	if b.repo != nil {
		if err := b.repo.SaveBars(ctx, symbol, bars); err != nil {
			b.logger.WithError(err).Symbol(symbol).Warn("Failed to persist bars")
		}
	}
	return bars, nil
}

func (b *BarChain) fetch(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	tiers := b.network
	if len(tiers) > 1 && b.congested != nil && b.congested() {
		b.logger.WithField("skipped", tiers[0].Name()).Debug("Fetcher congested, skipping primary bar source")
		tiers = tiers[1:]
	}

	var lastErr error
	notFound := 0
	for _, tier := range tiers {
		bars, err := call(b.breakers, tier.Name(), func() ([]contracts.Bar, error) {
			return tier.DailyBars(ctx, symbol, from, to)
		})
		if err == nil && len(bars) > 0 {
			return bars, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: %s returned no bars", contracts.ErrNotFound, tier.Name())
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, contracts.ErrNotFound) {
			notFound++
		}
		lastErr = err
	}

	switch {
	case lastErr == nil:
		return nil, fmt.Errorf("%w: no bar source for %s", contracts.ErrUnavailable, symbol)
	case notFound == len(tiers):
		return nil, fmt.Errorf("%w: no bars for %s", contracts.ErrNotFound, symbol)
	case contracts.IsAvailabilityError(lastErr):
		return nil, lastErr
	default:
		return nil, fmt.Errorf("%w: %w", contracts.ErrUnavailable, lastErr)
	}
}

func covers(bars []contracts.Bar, from, to time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	first, last := bars[0].Date, bars[len(bars)-1].Date
	return !first.After(from.Add(repoStartSlack)) && !last.Before(to.Add(-repoEndSlack))
}
