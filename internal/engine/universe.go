package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/external/polygon"
)

// TickerSource looks up reference data for a symbol
type TickerSource interface {
	Ticker(ctx context.Context, symbol string) (polygon.TickerInfo, error)
}

// SymbolCheck is the reference lookup for one universe symbol
type SymbolCheck struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`
	Known  bool   `json:"known"`
	Error  string `json:"error,omitempty"`
}

// CheckUniverse looks every universe symbol up in the reference data. Unknown symbols are
// reported with Known=false; lookups that fail for other reasons carry the error text.
func (e *Engine) CheckUniverse(ctx context.Context, concurrency int) []SymbolCheck {
	symbols := e.universe.Symbols
	out := make([]SymbolCheck, 0, len(symbols))
	if e.c.Tickers == nil {
		return out
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, symbol := range symbols {
		symbol := symbol // per-iteration copy (go < 1.22)
		g.Go(func() error {
			check := SymbolCheck{Symbol: symbol}
			info, err := e.c.Tickers.Ticker(ctx, symbol)
			switch {
			case err == nil:
				check.Known = info.Active
				check.Name = info.Name
				check.Type = info.Type
			case !errors.Is(err, contracts.ErrNotFound):
				check.Error = err.Error()
			}
			mu.Lock()
			out = append(out, check)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
