package volatility

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/database"
)

func TestBarRepositoryRoundTrip(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	db, err := database.New(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := NewBarRepository(db.Pool)
	from := time.Date(2020, 1, 6, 0, 0, 0, 0, contracts.MarketLocation())
	bars := []contracts.Bar{
		{Date: from, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Date: from.AddDate(0, 0, 1), Open: 1.5, High: 2, Low: 1, Close: 1.8, Volume: 12},
	}
	if err := repo.SaveBars(ctx, "zztest", bars); err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}

	got, err := repo.DailyBars(ctx, "ZZTEST", from, from.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("DailyBars() error = %v", err)
	}
	if len(got) != 2 || got[1].Close != 1.8 || !got[0].Date.Equal(from) {
		t.Errorf("DailyBars() = %+v", got)
	}

	_, _ = db.Pool.Exec(ctx, `DELETE FROM market.daily_bars WHERE symbol = 'ZZTEST'`)
}
