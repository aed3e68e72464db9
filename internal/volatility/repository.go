package volatility

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grahams11/finguru/internal/contracts"
)

// BarRepository stores daily bars in market.daily_bars
// ⭐ SSOT: persisted bars are read and written here only
type BarRepository struct {
	pool *pgxpool.Pool
}

// NewBarRepository creates a repository over pool
func NewBarRepository(pool *pgxpool.Pool) *BarRepository {
	return &BarRepository{pool: pool}
}

// Name identifies the repository as a BarSource
func (r *BarRepository) Name() string {
	return "database"
}

// DailyBars returns stored bars in [from, to], oldest first
func (r *BarRepository) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	query := `
		SELECT trade_date, open_price, high_price, low_price, close_price, volume
		FROM market.daily_bars
		WHERE symbol = $1 AND trade_date BETWEEN $2 AND $3
		ORDER BY trade_date ASC
	`

	rows, err := r.pool.Query(ctx, query, contracts.NormalizeSymbol(symbol), dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []contracts.Bar
	for rows.Next() {
		var b contracts.Bar
		var day time.Time
		if err := rows.Scan(&day, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Date = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, contracts.MarketLocation())
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no stored bars for %s", contracts.ErrNotFound, symbol)
	}
	return bars, nil
}

// SaveBars upserts bars in one batch
func (r *BarRepository) SaveBars(ctx context.Context, symbol string, bars []contracts.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	query := `
		INSERT INTO market.daily_bars (symbol, trade_date, open_price, high_price, low_price, close_price, volume, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (symbol, trade_date) DO UPDATE SET
			open_price = EXCLUDED.open_price,
			high_price = EXCLUDED.high_price,
			low_price = EXCLUDED.low_price,
			close_price = EXCLUDED.close_price,
			volume = EXCLUDED.volume,
			updated_at = now()
	`

	symbol = contracts.NormalizeSymbol(symbol)
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(query, symbol, dateOnly(b.Date), b.Open, b.High, b.Low, b.Close, b.Volume)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save %d bars for %s: %w", len(bars), symbol, err)
	}
	return nil
}

// Symbols lists every symbol with stored bars
func (r *BarRepository) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT symbol FROM market.daily_bars ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// dateOnly keeps the calendar day of t in the market timezone
func dateOnly(t time.Time) time.Time {
	t = t.In(contracts.MarketLocation())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
