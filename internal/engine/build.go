package engine

import (
	"context"
	"fmt"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/external/polygon"
	"github.com/grahams11/finguru/internal/external/scrape"
	"github.com/grahams11/finguru/internal/external/tastytrade"
	"github.com/grahams11/finguru/internal/external/yahoo"
	"github.com/grahams11/finguru/internal/marketdata"
	"github.com/grahams11/finguru/internal/pricing"
	"github.com/grahams11/finguru/internal/realtime/cache"
	"github.com/grahams11/finguru/internal/realtime/feed"
	"github.com/grahams11/finguru/internal/realtime/queue"
	"github.com/grahams11/finguru/internal/scanner"
	"github.com/grahams11/finguru/internal/volatility"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/database"
	"github.com/grahams11/finguru/pkg/httputil"
	"github.com/grahams11/finguru/pkg/logger"
	"github.com/grahams11/finguru/pkg/redis"
)

const cachePrefix = "finguru"

// Build wires every component from configuration. Postgres and Redis are optional: when
// they are disabled or unreachable the engine runs on network tiers and memory caches.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Nop()
	}

	universe, err := cfg.ResolveUniverse()
	if err != nil {
		return nil, fmt.Errorf("resolve universe: %w", err)
	}
	clock, err := scanner.NewClock(cfg.Scanner)
	if err != nil {
		return nil, fmt.Errorf("scanner clock: %w", err)
	}

	var closers []func()

	fetcher := httputil.New(cfg, log)
	poly := polygon.NewClient(fetcher, cfg.Polygon, log)
	yh := yahoo.NewClient(fetcher, cfg.Yahoo, log)

	quoteCache := cache.NewQuoteCache(cfg.Feed.QuoteFreshness, log)
	greeksCache := cache.NewGreeksCache(cfg.Feed.QuoteFreshness)

	var tokens feed.TokenSource
	if cfg.DXLink.Enabled && cfg.DXLink.Token == "" {
		tokens = feed.TokenSource(tastytrade.NewClient(fetcher, cfg.DXLink, log).TokenSource())
	}
	feeds := feed.NewManager(cfg, log, quoteCache, greeksCache, tokens)

	breakers := marketdata.NewBreakerSet(marketdata.BreakerConfig{
		Threshold: cfg.MarketData.BreakerThreshold,
		Cooldown:  cfg.MarketData.BreakerCooldown,
	})

	quoteTiers := []contracts.QuoteSource{poly}
	if cfg.Scrape.Enabled {
		quoteTiers = append(quoteTiers, scrape.NewClient(fetcher, cfg.Scrape, cfg.Yahoo.UserAgent, log))
	}
	quotes := marketdata.NewQuoteChain(feeds, quoteCache, breakers, cfg.MarketData.LiveQuoteWait, log, quoteTiers...)
	chains := marketdata.NewChainFallback(breakers, cfg.MarketData.ChainMaxStale, log, poly)

	// Redis
	redisClient, err := redis.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, volatility profiles and scans stay in memory")
		redisClient = nil
	} else {
		closers = append(closers, func() { _ = redisClient.Close() })
	}
	kv := redis.NewCache(redisClient, cachePrefix)

	// Postgres
	var (
		store    *database.DB
		repo     marketdata.BarRepository
		recorder *queue.TickRecorder
		ticks    TickReader
	)
	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg)
		if err != nil {
			log.WithError(err).Warn("Database unavailable, daily bars come from the network only")
		} else if err := db.Migrate(ctx); err != nil {
			db.Close()
			log.WithError(err).Warn("Database schema could not be applied, running without it")
		} else {
			closers = append(closers, db.Close)
			store = db
			repo = volatility.NewBarRepository(db.Pool)
			if cfg.MarketData.TickRecorder {
				tickStore := queue.NewTickStore(db.Pool)
				recorder = queue.NewTickRecorder(quoteCache, tickStore, cfg.MarketData.TickFlushEvery, log)
				ticks = tickStore
			}
		}
	}

	bars := marketdata.NewBarChain(repo, breakers, fetcher.Congested, log, poly, yh)
	analyzer := volatility.NewAnalyzer(bars, volatility.NewRedisStore(kv), cfg.MarketData.HistoryDays, log)

	log.WithFields(map[string]interface{}{
		"symbols":     len(universe.Symbols),
		"quote_tiers": len(quoteTiers),
		"redis":       kv.Enabled(),
		"database":    repo != nil,
		"recorder":    recorder != nil,
	}).Info("Engine built")

	return New(cfg, universe, Components{
		Quotes:      quotes,
		Chains:      chains,
		Live:        feeds,
		Analyzer:    analyzer,
		Pricing:     pricing.Default(),
		Clock:       clock,
		Breakers:    breakers,
		QuoteCache:  quoteCache,
		GreeksCache: greeksCache,
		ScanCache:   kv,
		DB:          store,
		Recorder:    recorder,
		Ticks:       ticks,
		Tickers:     poly,
		Calls:       fetcher.Calls,
		FetchStats:  fetcher.Stats,
		Closers:     closers,
	}, log), nil
}
