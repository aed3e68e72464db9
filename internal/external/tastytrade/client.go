package tastytrade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/external"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/httputil"
	"github.com/grahams11/finguru/pkg/logger"
)

const providerName = "tastytrade"

// QuoteToken is a streaming credential for the dxLink websocket
type QuoteToken struct {
	Token     string
	DXLinkURL string
	Level     string
	IssuedAt  time.Time
}

type quoteTokenResponse struct {
	Data struct {
		Token     string `json:"token"`
		DXLinkURL string `json:"dxlink-url"`
		Level     string `json:"level"`
	} `json:"data"`
}

// Client fetches dxLink credentials from the tastytrade API
type Client struct {
	httpClient   *httputil.Client
	logger       *logger.Logger
	baseURL      string
	sessionToken string
	urlOverride  string
}

// NewClient creates a tastytrade client
func NewClient(httpClient *httputil.Client, cfg config.DXLinkConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		httpClient:   httpClient,
		logger:       log.Provider(providerName),
		baseURL:      strings.TrimRight(cfg.APIBaseURL, "/"),
		sessionToken: cfg.SessionToken,
		urlOverride:  cfg.WebSocketURL,
	}
}

// QuoteToken requests a fresh streaming token. Tokens are never cached by the fetcher.
func (c *Client) QuoteToken(ctx context.Context) (QuoteToken, error) {
	if c.sessionToken == "" {
		return QuoteToken{}, contracts.NewProviderError(providerName, "quote-token",
			fmt.Errorf("%w: no session token configured", contracts.ErrAuth))
	}

	body, err := c.httpClient.Fetch(ctx, c.baseURL+"/api-quote-tokens", httputil.FetchOptions{
		Headers: map[string]string{"Authorization": c.sessionToken},
	})
	if err != nil {
		return QuoteToken{}, external.Classify(providerName, "quote-token", err)
	}

	var resp quoteTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return QuoteToken{}, contracts.NewProviderError(providerName, "quote-token",
			fmt.Errorf("%w: decode: %v", contracts.ErrDataValidation, err))
	}
	if resp.Data.Token == "" {
		return QuoteToken{}, contracts.NewProviderError(providerName, "quote-token",
			fmt.Errorf("%w: empty token", contracts.ErrAuth))
	}

	tok := QuoteToken{
		Token:     resp.Data.Token,
		DXLinkURL: resp.Data.DXLinkURL,
		Level:     resp.Data.Level,
		IssuedAt:  time.Now(),
	}
	if c.urlOverride != "" {
		tok.DXLinkURL = c.urlOverride
	}

	c.logger.WithField("level", tok.Level).Info("Obtained dxLink quote token")
	return tok, nil
}

// TokenSource adapts QuoteToken to the feed's credential callback
func (c *Client) TokenSource() func(ctx context.Context) (string, string, error) {
	return func(ctx context.Context) (string, string, error) {
		tok, err := c.QuoteToken(ctx)
		if err != nil {
			return "", "", err
		}
		return tok.Token, tok.DXLinkURL, nil
	}
}
