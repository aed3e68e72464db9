package scrape

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/external"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/httputil"
	"github.com/grahams11/finguru/pkg/logger"
)

const (
	providerName  = "scrape"
	pageCacheTTL  = 5 * time.Second
	browserAccept = "text/html,application/xhtml+xml"
)

// Client reads quotes from a public quote page; it is the last quote tier
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	baseURL    string
	userAgent  string
}

// NewClient creates a quote page scraper
func NewClient(httpClient *httputil.Client, cfg config.ScrapeConfig, userAgent string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		httpClient: httpClient,
		logger:     log.Provider(providerName),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  userAgent,
	}
}

// Name identifies the provider
func (c *Client) Name() string {
	return providerName
}

// Quote scrapes the price, bid, ask and volume for an equity or ETF
func (c *Client) Quote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, error) {
	symbol = contracts.NormalizeSymbol(symbol)
	if contracts.IsOptionSymbol(symbol) {
		return contracts.QuoteSnapshot{}, contracts.NewProviderError(providerName, "quote",
			fmt.Errorf("%w: option pages are not scraped", contracts.ErrNotFound))
	}

	pageURL := fmt.Sprintf("%s/quote/%s/", c.baseURL, url.PathEscape(symbol))
	body, err := c.httpClient.Fetch(ctx, pageURL, httputil.FetchOptions{
		CacheTTL: pageCacheTTL,
		Headers: map[string]string{
			"User-Agent": c.userAgent,
			"Accept":     browserAccept,
		},
	})
	if err != nil {
		return contracts.QuoteSnapshot{}, external.Classify(providerName, "quote", err)
	}

	q, err := parseQuotePage(body, symbol)
	if err != nil {
		return contracts.QuoteSnapshot{}, contracts.NewProviderError(providerName, "quote", err)
	}
	q.Timestamp = time.Now()
	return q, nil
}

// parseQuotePage reads fin-streamer fields for the symbol and the bid/ask summary cells
func parseQuotePage(body []byte, symbol string) (contracts.QuoteSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return contracts.QuoteSnapshot{}, fmt.Errorf("%w: parse html: %v", contracts.ErrDataValidation, err)
	}

	q := contracts.QuoteSnapshot{Symbol: symbol, Source: contracts.SourceScrape}

	doc.Find("fin-streamer").Each(func(_ int, s *goquery.Selection) {
		if sym, ok := s.Attr("data-symbol"); ok && !strings.EqualFold(sym, symbol) {
			return
		}
		field, _ := s.Attr("data-field")
		raw, ok := s.Attr("data-value")
		if !ok {
			raw, ok = s.Attr("value")
		}
		if !ok {
			raw = s.Text()
		}

		switch field {
		case "regularMarketPrice":
			if q.Last == 0 {
				q.Last = parseNumber(raw)
			}
		case "regularMarketVolume":
			if q.Volume == 0 {
				q.Volume = int64(parseNumber(raw))
			}
		case "bid":
			q.Bid = parseNumber(raw)
		case "ask":
			q.Ask = parseNumber(raw)
		}
	})

	// summary table: "189.50 x 100"
	summary := func(label string) float64 {
		var v float64
		doc.Find(fmt.Sprintf(`[data-test="%s-value"], [data-field="%s"] .value`, strings.ToUpper(label), label)).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v = parseNumber(strings.SplitN(s.Text(), "x", 2)[0])
			return v == 0
		})
		return v
	}
	if q.Bid == 0 {
		q.Bid = summary("bid")
	}
	if q.Ask == 0 {
		q.Ask = summary("ask")
	}

	if q.Price() <= 0 {
		return contracts.QuoteSnapshot{}, fmt.Errorf("%w: no price on page for %s", contracts.ErrNotFound, symbol)
	}
	return q, nil
}

// parseNumber accepts "1,234.56", "1.2M" and similar
func parseNumber(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || s == "-" || s == "--" {
		return 0
	}

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "B"):
		mult, s = 1e9, strings.TrimSuffix(s, "B")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f * mult
}
