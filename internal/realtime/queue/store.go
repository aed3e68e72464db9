package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grahams11/finguru/internal/contracts"
)

// TickStore writes quote ticks to market.quote_ticks
type TickStore struct {
	pool *pgxpool.Pool
}

// NewTickStore creates a tick store
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

// WriteTicks inserts a batch; a tick already stored for the same symbol, time and source is skipped
func (s *TickStore) WriteTicks(ctx context.Context, ticks []contracts.QuoteSnapshot) error {
	if len(ticks) == 0 {
		return nil
	}

	query := `
		INSERT INTO market.quote_ticks (
			symbol, quoted_at, last_price, bid_price, ask_price, volume, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, quoted_at, source) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(query, t.Symbol, t.Timestamp, t.Last, t.Bid, t.Ask, t.Volume, string(t.Source))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, t := range ticks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert tick %s: %w", t.Symbol, err)
		}
	}
	return nil
}

// Recent returns a symbol's ticks since the given time, oldest first
func (s *TickStore) Recent(ctx context.Context, symbol string, since time.Time) ([]contracts.QuoteSnapshot, error) {
	query := `
		SELECT symbol, quoted_at, last_price, bid_price, ask_price, volume, source
		FROM market.quote_ticks
		WHERE symbol = $1 AND quoted_at >= $2
		ORDER BY quoted_at ASC
	`

	rows, err := s.pool.Query(ctx, query, contracts.NormalizeSymbol(symbol), since)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []contracts.QuoteSnapshot
	for rows.Next() {
		var (
			t   contracts.QuoteSnapshot
			src string
		)
		if err := rows.Scan(&t.Symbol, &t.Timestamp, &t.Last, &t.Bid, &t.Ask, &t.Volume, &src); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Source = contracts.Source(src)
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ticks, nil
}
