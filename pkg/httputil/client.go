package httputil

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/logger"
)

// Client is the shared outbound REST client: rate limited, retrying, caching
// ⭐ SSOT: every provider REST call goes through this client
type Client struct {
	http        *resty.Client
	logger      *logger.Logger
	retryConfig RetryConfig
	timeout     time.Duration
	congestion  int

	standard *limiter
	bulk     *limiter
	cache    *responseCache
	group    singleflight.Group
	flights  flights

	authMu sync.RWMutex
	auth   map[string]*authState // by host

	calls     atomic.Int64
	authFlips atomic.Int64

	// test hooks
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Enabled      bool
}

// Options sizes a Client
type Options struct {
	Standard        LimiterConfig
	Bulk            LimiterConfig
	Retry           RetryConfig
	Timeout         time.Duration
	CongestionDepth int
}

// FetchOptions are per-call settings; zero values take the client defaults
type FetchOptions struct {
	Method     string
	Timeout    time.Duration
	CacheTTL   time.Duration
	MaxRetries int
	NoRetry    bool
	Priority   Priority
	Headers    map[string]string
	Body       []byte
}

// Stats is a snapshot of client counters
type Stats struct {
	Calls            int64 `json:"calls"`
	AuthFlips        int64 `json:"auth_flips"`
	CacheEntries     int   `json:"cache_entries"`
	SharedFlights    int   `json:"shared_flights"`
	StandardQueued   int   `json:"standard_queued"`
	StandardInFlight int   `json:"standard_in_flight"`
	BulkQueued       int   `json:"bulk_queued"`
	BulkInFlight     int   `json:"bulk_in_flight"`
}

// OptionsFromConfig maps the fetcher section of the config
func OptionsFromConfig(cfg *config.Config) Options {
	f := cfg.Fetcher
	return Options{
		Standard: LimiterConfig{
			MaxConcurrent:   f.MaxConcurrent,
			MinSpacing:      f.MinSpacing,
			ReservoirPerMin: f.ReservoirPerMin,
		},
		Bulk: LimiterConfig{
			MaxConcurrent: f.BulkMaxConcurrent,
			MinSpacing:    f.BulkMinSpacing,
		},
		Retry: RetryConfig{
			MaxRetries:   f.MaxRetries,
			InitialDelay: f.InitialBackoff,
			MaxDelay:     f.MaxBackoff,
			Enabled:      true,
		},
		Timeout:         f.RequestTimeout,
		CongestionDepth: f.CongestionDepth,
	}
}

// New creates a new HTTP client from config
// ⭐ SSOT: the resty instance is only created here
func New(cfg *config.Config, log *logger.Logger) *Client {
	return NewWithOptions(OptionsFromConfig(cfg), log)
}

// NewWithOptions creates a client with explicit sizing
func NewWithOptions(opts Options, log *logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = 500 * time.Millisecond
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Client{
		http:        resty.New().SetHeader("Accept", "application/json"),
		logger:      log,
		retryConfig: opts.Retry,
		timeout:     opts.Timeout,
		congestion:  opts.CongestionDepth,
		standard:    newLimiter(opts.Standard),
		bulk:        newLimiter(opts.Bulk),
		cache:       newResponseCache(),
		auth:        make(map[string]*authState),
		sleep:       sleepContext,
		jitter:      halfJitter,
	}
}

// DisableRetry disables automatic retry
func (c *Client) DisableRetry() *Client {
	c.retryConfig.Enabled = false
	return c
}

// Get performs a cached-if-asked GET on the standard limiter
func (c *Client) Get(ctx context.Context, rawURL string, cacheTTL time.Duration) ([]byte, error) {
	return c.Fetch(ctx, rawURL, FetchOptions{CacheTTL: cacheTTL})
}

// Fetch performs one logical request under the shared budget.
// Cached GET bodies are returned without touching the limiters; callers must not mutate them.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts FetchOptions) ([]byte, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	if method != http.MethodGet {
		return c.fetchWithRetry(ctx, method, rawURL, opts)
	}

	if body, ok := c.cache.get(rawURL); ok {
		c.logger.WithField("url", redact(rawURL)).Debug("HTTP cache hit")
		return body, nil
	}

	// concurrent identical GETs share one upstream call; a caller giving up does not
	// cancel it for the others
	fl := c.flights.join(ctx, rawURL, c.budget(opts))
	defer c.flights.leave(rawURL, fl, func() { c.group.Forget(rawURL) })

	ch := c.group.DoChan(rawURL, func() (interface{}, error) {
		return c.fetchWithRetry(fl.ctx, method, rawURL, opts)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, &TransportError{
			URL:     redact(rawURL),
			Err:     ctx.Err(),
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Local:   true,
		}
	}
}

// budget bounds a shared GET: every attempt at the request timeout plus the backoff between them
func (c *Client) budget(opts FetchOptions) time.Duration {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	retries := c.retryConfig.MaxRetries
	if opts.MaxRetries > 0 {
		retries = opts.MaxRetries
	}
	if opts.NoRetry || !c.retryConfig.Enabled {
		retries = 0
	}
	return time.Duration(retries+1)*timeout + time.Duration(retries)*c.retryConfig.MaxDelay
}

// fetchWithRetry runs attempts until success, a non-retryable status, or the retry budget is spent
func (c *Client) fetchWithRetry(ctx context.Context, method, rawURL string, opts FetchOptions) ([]byte, error) {
	maxRetries := c.retryConfig.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}
	if opts.NoRetry || !c.retryConfig.Enabled {
		maxRetries = 0
	}

	startTime := time.Now()
	delay := c.retryConfig.InitialDelay
	flipped := false
	var lastErr error

	for attempt := 0; ; {
		status, body, mode, err := c.attempt(ctx, method, rawURL, opts)

		if err == nil && status >= 200 && status < 300 {
			c.cache.set(rawURL, body, opts.CacheTTL)
			c.logger.WithFields(map[string]interface{}{
				"method":      method,
				"url":         redact(rawURL),
				"status_code": status,
				"attempts":    attempt + 1,
				"duration":    time.Since(startTime),
			}).Debug("HTTP request completed")
			return body, nil
		}

		// 401 on bearer: switch this host to query-param auth and replay for free
		if err == nil && status == http.StatusUnauthorized && mode == authBearer && !flipped {
			flipped = true
			c.flipAuth(rawURL)
			continue
		}

		if err != nil {
			// nothing was sent; another attempt would wait on the same deadline
			if errors.Is(err, ErrLimiterWait) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, &TransportError{URL: redact(rawURL), Err: ctx.Err(), Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded)}
			}
			lastErr = err
		} else {
			httpErr := &HTTPError{Method: method, URL: redact(rawURL), StatusCode: status, Body: truncate(body, 256)}
			if !IsRetryableError(status) {
				return nil, httpErr
			}
			lastErr = httpErr
		}

		if attempt >= maxRetries {
			c.logger.WithFields(map[string]interface{}{
				"method":   method,
				"url":      redact(rawURL),
				"attempts": attempt + 1,
				"duration": time.Since(startTime),
				"error":    lastErr.Error(),
			}).Warn("HTTP request failed")
			return nil, lastErr
		}

		wait := delay + c.jitter(delay)
		c.logger.WithFields(map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   wait,
			"url":     redact(rawURL),
		}).Warn("Retrying HTTP request")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, &TransportError{URL: redact(rawURL), Err: err, Timeout: true}
		}

		attempt++
		// Exponential backoff
		delay *= 2
		if delay > c.retryConfig.MaxDelay {
			delay = c.retryConfig.MaxDelay
		}
	}
}

// attempt performs exactly one HTTP call under the priority's limiter
func (c *Client) attempt(ctx context.Context, method, rawURL string, opts FetchOptions) (int, []byte, authMode, error) {
	lim := c.standard
	if opts.Priority == PriorityBulk {
		lim = c.bulk
	}

	release, err := lim.acquire(ctx)
	if err != nil {
		return 0, nil, authNone, &TransportError{URL: redact(rawURL), Err: fmt.Errorf("%w: %w", ErrLimiterWait, err), Timeout: true, Local: true}
	}
	defer release()
	c.calls.Add(1)

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.http.R().SetContext(reqCtx)
	for k, v := range opts.Headers {
		req.SetHeader(k, v)
	}
	if opts.Body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(opts.Body)
	}
	mode := c.applyAuth(req, rawURL)

	resp, err := req.Execute(method, rawURL)
	if err != nil {
		return 0, nil, mode, &TransportError{URL: redact(rawURL), Err: err, Timeout: errors.Is(err, context.DeadlineExceeded)}
	}
	return resp.StatusCode(), resp.Body(), mode, nil
}

// QueueDepth returns callers waiting on the given limiter
func (c *Client) QueueDepth(p Priority) int {
	if p == PriorityBulk {
		return c.bulk.depth()
	}
	return c.standard.depth()
}

// Congested reports whether interactive traffic is queued beyond the configured depth
func (c *Client) Congested() bool {
	return c.congestion > 0 && c.standard.depth() >= c.congestion
}

// Calls returns how many upstream HTTP calls were made
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// PurgeCache drops expired cached responses
func (c *Client) PurgeCache() int {
	return c.cache.purge()
}

// Stats returns a snapshot of client counters
func (c *Client) Stats() Stats {
	return Stats{
		Calls:            c.calls.Load(),
		AuthFlips:        c.authFlips.Load(),
		CacheEntries:     c.cache.len(),
		SharedFlights:    c.flights.open(),
		StandardQueued:   c.standard.depth(),
		StandardInFlight: c.standard.inFlight(),
		BulkQueued:       c.bulk.depth(),
		BulkInFlight:     c.bulk.inFlight(),
	}
}

// IsRetryableError checks if a status should be retried
func IsRetryableError(statusCode int) bool {
	// Retry on 5xx server errors and 429 Too Many Requests
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// halfJitter adds up to half of d
func halfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d / 2)))
}

// redact strips credentials from a URL before logging
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for _, k := range []string{"apiKey", "apikey", "token", "api_key"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
