package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/external"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/httputil"
	"github.com/grahams11/finguru/pkg/logger"
)

const (
	providerName = "polygon"

	chainPageLimit = 250
	maxChainPages  = 40

	chainCacheTTL = 15 * time.Second
	quoteCacheTTL = 2 * time.Second
	barsCacheTTL  = 30 * time.Minute
)

// Client handles communication with the Polygon.io REST API
// ⭐ SSOT: Polygon REST calls are made only from this client
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	baseURL    string
}

// NewClient creates a new Polygon client and registers its API key with the fetcher
func NewClient(httpClient *httputil.Client, cfg config.PolygonConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if u, err := url.Parse(base); err == nil {
		httpClient.SetAuth(u.Host, cfg.APIKey, "apiKey")
	}
	return &Client{
		httpClient: httpClient,
		logger:     log.Provider(providerName),
		baseURL:    base,
	}
}

// Name identifies the provider in logs and breakers
func (c *Client) Name() string {
	return providerName
}

// getJSON fetches path (or an absolute next_url) and decodes it into dest
func (c *Client) getJSON(ctx context.Context, op, pathOrURL string, params url.Values, opts httputil.FetchOptions, dest interface{}) error {
	fullURL := pathOrURL
	if !strings.HasPrefix(pathOrURL, "http") {
		fullURL = c.baseURL + pathOrURL
	}
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + params.Encode()
	}

	body, err := c.httpClient.Fetch(ctx, fullURL, opts)
	if err != nil {
		return external.Classify(providerName, op, err)
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return contracts.NewProviderError(providerName, op, fmt.Errorf("%w: decode: %v", contracts.ErrDataValidation, err))
	}
	return nil
}

func notFound(op, format string, args ...interface{}) error {
	return contracts.NewProviderError(providerName, op, fmt.Errorf("%w: %s", contracts.ErrNotFound, fmt.Sprintf(format, args...)))
}

// fromNanos converts Polygon's nanosecond (or millisecond) epoch stamps
func fromNanos(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Time{}
	case ts > 1e15:
		return time.Unix(0, ts)
	default:
		return time.UnixMilli(ts)
	}
}
