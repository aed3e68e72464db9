package contracts

import (
	"context"
	"time"
)

// QuoteSource answers the latest quote for an underlying or contract
type QuoteSource interface {
	Name() string
	Quote(ctx context.Context, symbol string) (QuoteSnapshot, error)
}

// ChainSource answers an option chain for an underlying, limited to expiries in [from, to]
type ChainSource interface {
	Name() string
	Chain(ctx context.Context, underlying string, from, to time.Time) (*ChainSnapshot, error)
}

// BarSource answers daily bars, oldest first
type BarSource interface {
	Name() string
	DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
}

// BarStore persists daily bars for read-through
type BarStore interface {
	SaveBars(ctx context.Context, symbol string, bars []Bar) error
}
