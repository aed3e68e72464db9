package polygon

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/httputil"
)

type aggsResponse struct {
	Status       string `json:"status"`
	ResultsCount int    `json:"resultsCount"`
	Results      []struct {
		Open   float64 `json:"o"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Close  float64 `json:"c"`
		Volume float64 `json:"v"`
		Time   int64   `json:"t"` // ms, bar start
	} `json:"results"`
}

// DailyBars returns adjusted daily aggregates in [from, to], oldest first.
// History is bulk traffic and never competes with interactive calls.
func (c *Client) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	symbol = strings.ToUpper(symbol)
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		url.PathEscape(symbol), from.Format("2006-01-02"), to.Format("2006-01-02"))

	params := url.Values{}
	params.Set("adjusted", "true")
	params.Set("sort", "asc")
	params.Set("limit", "50000")

	var resp aggsResponse
	opts := httputil.FetchOptions{CacheTTL: barsCacheTTL, Priority: httputil.PriorityBulk}
	if err := c.getJSON(ctx, "aggs", path, params, opts, &resp); err != nil {
		return nil, err
	}

	bars := make([]contracts.Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Close <= 0 {
			continue
		}
		bars = append(bars, contracts.Bar{
			Date:   contracts.ExpiryDate(time.UnixMilli(r.Time)),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: int64(r.Volume),
		})
	}

	if len(bars) == 0 {
		return nil, notFound("aggs", "no bars for %s", symbol)
	}
	return bars, nil
}
