package polygon

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/grahams11/finguru/pkg/httputil"
)

// TickerInfo is one entry from the reference tickers endpoint
type TickerInfo struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	Market string `json:"market"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

type tickersResponse struct {
	Status  string       `json:"status"`
	Results []TickerInfo `json:"results"`
}

// Ticker looks up one symbol's reference record
func (c *Client) Ticker(ctx context.Context, symbol string) (TickerInfo, error) {
	symbol = strings.ToUpper(symbol)
	params := url.Values{}
	params.Set("ticker", symbol)
	params.Set("active", "true")
	params.Set("limit", "1")

	var resp tickersResponse
	opts := httputil.FetchOptions{CacheTTL: 24 * time.Hour, Priority: httputil.PriorityBulk}
	if err := c.getJSON(ctx, "tickers", "/v3/reference/tickers", params, opts, &resp); err != nil {
		return TickerInfo{}, err
	}
	for _, t := range resp.Results {
		if strings.EqualFold(t.Ticker, symbol) {
			return t, nil
		}
	}
	return TickerInfo{}, notFound("tickers", "unknown ticker %s", symbol)
}
