package yahoo

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
	providerName = "yahoo"
	barsCacheTTL = 30 * time.Minute
)

// index tickers are prefixed on Yahoo
var indexAliases = map[string]string{
	"SPX": "^GSPC",
	"NDX": "^NDX",
	"RUT": "^RUT",
	"DJX": "^DJI",
	"VIX": "^VIX",
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol string `json:"symbol"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Client reads daily history from the Yahoo chart API; it is the secondary bar provider
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	baseURL    string
	userAgent  string
}

// NewClient creates a Yahoo chart client
func NewClient(httpClient *httputil.Client, cfg config.YahooConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		httpClient: httpClient,
		logger:     log.Provider(providerName),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
	}
}

// Name identifies the provider
func (c *Client) Name() string {
	return providerName
}

// DailyBars returns daily bars in [from, to], oldest first, skipping null rows
func (c *Client) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]contracts.Bar, error) {
	symbol = strings.ToUpper(symbol)
	ticker := symbol
	if alias, ok := indexAliases[symbol]; ok {
		ticker = alias
	}

	params := url.Values{}
	params.Set("period1", fmt.Sprintf("%d", from.Unix()))
	params.Set("period2", fmt.Sprintf("%d", to.AddDate(0, 0, 1).Unix()))
	params.Set("interval", "1d")
	params.Set("includePrePost", "false")
	fullURL := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(ticker), params.Encode())

	body, err := c.httpClient.Fetch(ctx, fullURL, httputil.FetchOptions{
		CacheTTL: barsCacheTTL,
		Priority: httputil.PriorityBulk,
		Headers:  map[string]string{"User-Agent": c.userAgent},
	})
	if err != nil {
		return nil, external.Classify(providerName, "chart", err)
	}

	var data chartResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, contracts.NewProviderError(providerName, "chart", fmt.Errorf("%w: decode: %v", contracts.ErrDataValidation, err))
	}
	if data.Chart.Error != nil {
		return nil, contracts.NewProviderError(providerName, "chart",
			fmt.Errorf("%w: %s", contracts.ErrNotFound, data.Chart.Error.Description))
	}

	bars := parseChart(data)
	if len(bars) == 0 {
		return nil, contracts.NewProviderError(providerName, "chart",
			fmt.Errorf("%w: no bars for %s", contracts.ErrNotFound, symbol))
	}

	c.logger.WithFields(map[string]interface{}{
		"symbol": symbol,
		"bars":   len(bars),
	}).Debug("Fetched daily bars")
	return bars, nil
}

func parseChart(data chartResponse) []contracts.Bar {
	if len(data.Chart.Result) == 0 || len(data.Chart.Result[0].Indicators.Quote) == 0 {
		return nil
	}
	result := data.Chart.Result[0]
	q := result.Indicators.Quote[0]

	value := func(s []*float64, i int) float64 {
		if i < len(s) && s[i] != nil {
			return *s[i]
		}
		return 0
	}

	bars := make([]contracts.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		last := value(q.Close, i)
		if last <= 0 {
			continue
		}
		var volume int64
		if i < len(q.Volume) && q.Volume[i] != nil {
			volume = *q.Volume[i]
		}
		bars = append(bars, contracts.Bar{
			Date:   contracts.ExpiryDate(time.Unix(ts, 0)),
			Open:   value(q.Open, i),
			High:   value(q.High, i),
			Low:    value(q.Low, i),
			Close:  last,
			Volume: volume,
		})
	}
	return bars
}
