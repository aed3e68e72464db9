package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: every environment variable is read here and nowhere else
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Providers
	DXLink     DXLinkConfig
	Polygon    PolygonConfig
	Yahoo      YahooConfig
	Scrape     ScrapeConfig
	Fetcher    FetcherConfig
	Feed       FeedConfig
	MarketData MarketDataConfig
	Scanner    ScannerConfig
	Universe   UniverseConfig

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   LogFileConfig
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL     string
	Enabled bool

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DXLinkConfig holds the tastytrade / dxLink streamer configuration
type DXLinkConfig struct {
	Enabled      bool
	APIBaseURL   string // tastytrade REST base, used to fetch the quote token
	SessionToken string // tastytrade session token
	WebSocketURL string // overrides the URL returned with the quote token
	Token        string // static dxLink token, skips the quote-token call
}

// PolygonConfig holds Polygon.io REST and WebSocket configuration
type PolygonConfig struct {
	APIKey        string
	BaseURL       string
	WebSocketURL  string
	StreamEnabled bool
}

// YahooConfig holds the secondary historical bar provider
type YahooConfig struct {
	BaseURL   string
	UserAgent string
}

// ScrapeConfig holds the last-resort quote page scraper
type ScrapeConfig struct {
	Enabled bool
	BaseURL string
}

// FetcherConfig holds the shared outbound REST budget
type FetcherConfig struct {
	MaxConcurrent     int
	MinSpacing        time.Duration
	ReservoirPerMin   int
	BulkMaxConcurrent int
	BulkMinSpacing    time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestTimeout    time.Duration
	CongestionDepth   int
}

// FeedConfig holds live feed timings
type FeedConfig struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	HealthTimeout   time.Duration
	QuoteFreshness  time.Duration
	KeepAlive       time.Duration
	MaxAuthFailures int
}

// MarketDataConfig holds provider fallback behaviour
type MarketDataConfig struct {
	BreakerThreshold int
	BreakerCooldown  time.Duration
	LiveQuoteWait    time.Duration // how long a quote read waits on the live feed before REST
	ChainMaxStale    time.Duration // last good chain served when every chain source is down
	HistoryDays      int           // calendar days of daily bars kept per symbol
	TickRecorder     bool          // persist subscribed quotes to Postgres
	TickFlushEvery   time.Duration
}

// ModeGates holds the entry gates that differ between same-day and next-day scans
type ModeGates struct {
	MaxSpreadPct    float64
	MinVolume       int64
	MinOpenInterest int64
}

// ScannerConfig holds scan orchestration, gate and scoring parameters
type ScannerConfig struct {
	BatchSize        int
	Timeout          time.Duration
	SymbolTimeout    time.Duration
	TopN             int
	RiskFreeRate     float64
	Timezone         string
	CutoffHour       int
	SameDayExit      string // HH:MM exchange time
	NextDayExit      string // HH:MM exchange time
	SameDay          ModeGates
	NextDay          ModeGates
	MinPremium       float64
	MaxPremium       float64
	IndexMinPremium  float64
	IndexMaxPremium  float64
	DefaultIVCeiling float64
	MinDelta         float64
	MaxDelta         float64
	MaxTheta         float64
	MinGamma         float64
	MaxIVPercentile  float64
	TargetGainPct    float64
	StopLossPct      float64
	TickSize         float64

	// Scoring
	MinComposite     int
	MinNonZeroLayers int
	MaxPainPoints    int
	MaxPainProximity float64
	SkewPoints       int
	SkewRatio        float64
	SweepPoints      int
	SweepRatio       float64
	RSIPoints        int
	RSILow           float64
	RSIHigh          float64
	RSIMaxDTE        int
}

// UniverseConfig holds the symbol universe source
type UniverseConfig struct {
	File    string
	Symbols []string
}

// LogFileConfig holds rotating file output settings
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from environment variables
// ⭐ SSOT: this is the only caller of os.Getenv()
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		// Database
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Enabled:         getEnvAsBool("DB_ENABLED", false),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		// Providers
		DXLink: DXLinkConfig{
			Enabled:      getEnvAsBool("DXLINK_ENABLED", true),
			APIBaseURL:   getEnv("TASTYTRADE_API_URL", "https://api.tastyworks.com"),
			SessionToken: getEnv("TASTYTRADE_SESSION_TOKEN", ""),
			WebSocketURL: getEnv("DXLINK_WS_URL", ""),
			Token:        getEnv("DXLINK_TOKEN", ""),
		},

		Polygon: PolygonConfig{
			APIKey:        getEnv("POLYGON_API_KEY", ""),
			BaseURL:       getEnv("POLYGON_BASE_URL", "https://api.polygon.io"),
			WebSocketURL:  getEnv("POLYGON_WS_URL", "wss://socket.polygon.io/stocks"),
			StreamEnabled: getEnvAsBool("POLYGON_STREAM_ENABLED", true),
		},

		Yahoo: YahooConfig{
			BaseURL:   getEnv("YAHOO_BASE_URL", "https://query1.finance.yahoo.com"),
			UserAgent: getEnv("YAHOO_USER_AGENT", "Mozilla/5.0 (compatible; finguru/1.0)"),
		},

		Scrape: ScrapeConfig{
			Enabled: getEnvAsBool("SCRAPE_ENABLED", false),
			BaseURL: getEnv("SCRAPE_BASE_URL", "https://finance.yahoo.com"),
		},

		Fetcher: FetcherConfig{
			MaxConcurrent:     getEnvAsInt("FETCH_MAX_CONCURRENT", 10),
			MinSpacing:        getEnvAsDuration("FETCH_MIN_SPACING", "20ms"),
			ReservoirPerMin:   getEnvAsInt("FETCH_RESERVOIR_PER_MIN", 300),
			BulkMaxConcurrent: getEnvAsInt("FETCH_BULK_MAX_CONCURRENT", 4),
			BulkMinSpacing:    getEnvAsDuration("FETCH_BULK_MIN_SPACING", "100ms"),
			MaxRetries:        getEnvAsInt("FETCH_MAX_RETRIES", 3),
			InitialBackoff:    getEnvAsDuration("FETCH_INITIAL_BACKOFF", "500ms"),
			MaxBackoff:        getEnvAsDuration("FETCH_MAX_BACKOFF", "8s"),
			RequestTimeout:    getEnvAsDuration("FETCH_TIMEOUT", "10s"),
			CongestionDepth:   getEnvAsInt("FETCH_CONGESTION_DEPTH", 25),
		},

		Feed: FeedConfig{
			InitialBackoff:  getEnvAsDuration("FEED_INITIAL_BACKOFF", "5s"),
			MaxBackoff:      getEnvAsDuration("FEED_MAX_BACKOFF", "60s"),
			HealthTimeout:   getEnvAsDuration("FEED_HEALTH_TIMEOUT", "30s"),
			QuoteFreshness:  getEnvAsDuration("FEED_QUOTE_FRESHNESS", "10s"),
			KeepAlive:       getEnvAsDuration("FEED_KEEPALIVE", "30s"),
			MaxAuthFailures: getEnvAsInt("FEED_MAX_AUTH_FAILURES", 3),
		},

		MarketData: MarketDataConfig{
			BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", 3),
			BreakerCooldown:  getEnvAsDuration("BREAKER_COOLDOWN", "30s"),
			LiveQuoteWait:    getEnvAsDuration("LIVE_QUOTE_WAIT", "2s"),
			ChainMaxStale:    getEnvAsDuration("CHAIN_MAX_STALE", "5m"),
			HistoryDays:      getEnvAsInt("HISTORY_DAYS", 420),
			TickRecorder:     getEnvAsBool("TICK_RECORDER_ENABLED", false),
			TickFlushEvery:   getEnvAsDuration("TICK_FLUSH_INTERVAL", "5s"),
		},

		Scanner: ScannerConfig{
			BatchSize:     getEnvAsInt("SCAN_BATCH_SIZE", 50),
			Timeout:       getEnvAsDuration("SCAN_TIMEOUT", "30s"),
			SymbolTimeout: getEnvAsDuration("SCAN_SYMBOL_TIMEOUT", "10s"),
			TopN:          getEnvAsInt("SCAN_TOP_N", 3),
			RiskFreeRate:  getEnvAsFloat("RISK_FREE_RATE", 0.045),
			Timezone:      getEnv("EXCHANGE_TZ", "America/New_York"),
			CutoffHour:    getEnvAsInt("SCAN_CUTOFF_HOUR", 14),
			SameDayExit:   getEnv("SCAN_SAME_DAY_EXIT", "15:45"),
			NextDayExit:   getEnv("SCAN_NEXT_DAY_EXIT", "09:45"),
			SameDay: ModeGates{
				MaxSpreadPct:    getEnvAsFloat("GATE_SAME_DAY_MAX_SPREAD", 0.15),
				MinVolume:       int64(getEnvAsInt("GATE_SAME_DAY_MIN_VOLUME", 500)),
				MinOpenInterest: int64(getEnvAsInt("GATE_SAME_DAY_MIN_OI", 1000)),
			},
			NextDay: ModeGates{
				MaxSpreadPct:    getEnvAsFloat("GATE_NEXT_DAY_MAX_SPREAD", 0.10),
				MinVolume:       int64(getEnvAsInt("GATE_NEXT_DAY_MIN_VOLUME", 250)),
				MinOpenInterest: int64(getEnvAsInt("GATE_NEXT_DAY_MIN_OI", 500)),
			},
			MinPremium:       getEnvAsFloat("GATE_MIN_PREMIUM", 0.20),
			MaxPremium:       getEnvAsFloat("GATE_MAX_PREMIUM", 3.00),
			IndexMinPremium:  getEnvAsFloat("GATE_INDEX_MIN_PREMIUM", 0.50),
			IndexMaxPremium:  getEnvAsFloat("GATE_INDEX_MAX_PREMIUM", 8.00),
			DefaultIVCeiling: getEnvAsFloat("GATE_IV_CEILING", 1.50),
			MinDelta:         getEnvAsFloat("GATE_MIN_DELTA", 0.12),
			MaxDelta:         getEnvAsFloat("GATE_MAX_DELTA", 0.27),
			MaxTheta:         getEnvAsFloat("GATE_MAX_THETA", -0.08),
			MinGamma:         getEnvAsFloat("GATE_MIN_GAMMA", 0.12),
			MaxIVPercentile:  getEnvAsFloat("GATE_MAX_IV_PERCENTILE", 18),
			TargetGainPct:    getEnvAsFloat("TARGET_GAIN_PCT", 0.50),
			StopLossPct:      getEnvAsFloat("STOP_LOSS_PCT", 0.30),
			TickSize:         getEnvAsFloat("PREMIUM_TICK", 0.01),

			MinComposite:     getEnvAsInt("SCORE_MIN_COMPOSITE", 85),
			MinNonZeroLayers: getEnvAsInt("SCORE_MIN_LAYERS", 2),
			MaxPainPoints:    getEnvAsInt("SCORE_MAX_PAIN_POINTS", 30),
			MaxPainProximity: getEnvAsFloat("SCORE_MAX_PAIN_PROXIMITY", 0.007),
			SkewPoints:       getEnvAsInt("SCORE_SKEW_POINTS", 25),
			SkewRatio:        getEnvAsFloat("SCORE_SKEW_RATIO", 0.92),
			SweepPoints:      getEnvAsInt("SCORE_SWEEP_POINTS", 30),
			SweepRatio:       getEnvAsFloat("SCORE_SWEEP_RATIO", 0.5),
			RSIPoints:        getEnvAsInt("SCORE_RSI_POINTS", 15),
			RSILow:           getEnvAsFloat("SCORE_RSI_LOW", 30),
			RSIHigh:          getEnvAsFloat("SCORE_RSI_HIGH", 70),
			RSIMaxDTE:        getEnvAsInt("SCORE_RSI_MAX_DTE", 3),
		},

		Universe: UniverseConfig{
			File:    getEnv("UNIVERSE_FILE", ""),
			Symbols: getEnvAsList("UNIVERSE_SYMBOLS", []string{"SPY", "QQQ", "AAPL", "MSFT", "NVDA", "TSLA", "AMD", "META", "AMZN", "GOOGL"}),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile: LogFileConfig{
			Path:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 14),
		},
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if configuration values are usable
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when DB_ENABLED=true")
	}

	if c.Scanner.BatchSize <= 0 {
		return fmt.Errorf("SCAN_BATCH_SIZE must be positive")
	}

	if c.Scanner.Timeout <= 0 || c.Scanner.SymbolTimeout <= 0 {
		return fmt.Errorf("scan timeouts must be positive")
	}

	if c.Scanner.MinDelta < 0 || c.Scanner.MinDelta >= c.Scanner.MaxDelta || c.Scanner.MaxDelta > 1 {
		return fmt.Errorf("delta band [%.2f, %.2f] is invalid", c.Scanner.MinDelta, c.Scanner.MaxDelta)
	}

	if c.Scanner.CutoffHour < 0 || c.Scanner.CutoffHour > 23 {
		return fmt.Errorf("SCAN_CUTOFF_HOUR must be between 0 and 23")
	}

	if _, _, err := ParseClock(c.Scanner.SameDayExit); err != nil {
		return fmt.Errorf("SCAN_SAME_DAY_EXIT: %w", err)
	}
	if _, _, err := ParseClock(c.Scanner.NextDayExit); err != nil {
		return fmt.Errorf("SCAN_NEXT_DAY_EXIT: %w", err)
	}

	if _, err := time.LoadLocation(c.Scanner.Timezone); err != nil {
		return fmt.Errorf("EXCHANGE_TZ: %w", err)
	}

	if c.MarketData.HistoryDays < 60 {
		return fmt.Errorf("HISTORY_DAYS must be at least 60")
	}

	if c.MarketData.TickRecorder && !c.Database.Enabled {
		return fmt.Errorf("TICK_RECORDER_ENABLED requires DB_ENABLED=true")
	}

	if c.Fetcher.MaxConcurrent <= 0 || c.Fetcher.BulkMaxConcurrent <= 0 {
		return fmt.Errorf("fetcher concurrency must be positive")
	}

	return nil
}

// ParseClock parses an HH:MM wall-clock string
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
// LoadFrom reads envFile, when set, before the usual .env search and the environment
func LoadFrom(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	return Load()
}

func loadEnvFile() {
	paths := []string{
		".env",
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
