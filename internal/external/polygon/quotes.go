package polygon

import (
	"context"
	"net/url"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/httputil"
)

type tickerSnapshotResponse struct {
	Status string `json:"status"`
	Ticker struct {
		Ticker    string `json:"ticker"`
		LastTrade struct {
			Price float64 `json:"p"`
			Time  int64   `json:"t"`
		} `json:"lastTrade"`
		LastQuote struct {
			Bid  float64 `json:"p"`
			Ask  float64 `json:"P"`
			Time int64   `json:"t"`
		} `json:"lastQuote"`
		Day struct {
			Close  float64 `json:"c"`
			Volume float64 `json:"v"`
		} `json:"day"`
		PrevDay struct {
			Close float64 `json:"c"`
		} `json:"prevDay"`
		Updated int64 `json:"updated"`
	} `json:"ticker"`
}

// Quote returns the latest NBBO and trade for a stock, ETF or option contract
func (c *Client) Quote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, error) {
	symbol = contracts.NormalizeSymbol(symbol)
	if contracts.IsOptionSymbol(symbol) {
		return c.optionQuote(ctx, symbol)
	}

	var resp tickerSnapshotResponse
	path := "/v2/snapshot/locale/us/markets/stocks/tickers/" + url.PathEscape(symbol)
	if err := c.getJSON(ctx, "quote", path, nil, httputil.FetchOptions{CacheTTL: quoteCacheTTL}, &resp); err != nil {
		return contracts.QuoteSnapshot{}, err
	}

	t := resp.Ticker
	q := contracts.QuoteSnapshot{
		Symbol: symbol,
		Last:   t.LastTrade.Price,
		Bid:    t.LastQuote.Bid,
		Ask:    t.LastQuote.Ask,
		Volume: int64(t.Day.Volume),
		Source: contracts.SourcePolygonREST,
	}
	if q.Last == 0 {
		q.Last = t.Day.Close
	}
	if q.Last == 0 {
		q.Last = t.PrevDay.Close
	}
	if q.Price() <= 0 {
		return contracts.QuoteSnapshot{}, notFound("quote", "no price for %s", symbol)
	}

	q.Timestamp = latest(fromNanos(t.Updated), fromNanos(t.LastTrade.Time), fromNanos(t.LastQuote.Time))
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	return q, nil
}

func (c *Client) optionQuote(ctx context.Context, symbol string) (contracts.QuoteSnapshot, error) {
	ct, _, err := c.Contract(ctx, symbol)
	if err != nil {
		return contracts.QuoteSnapshot{}, err
	}
	q := contracts.QuoteSnapshot{
		Symbol:    ct.Symbol,
		Last:      ct.Last,
		Bid:       ct.Bid,
		Ask:       ct.Ask,
		Volume:    ct.Volume,
		Timestamp: time.Now(),
		Source:    contracts.SourcePolygonREST,
	}
	if q.Price() <= 0 {
		return contracts.QuoteSnapshot{}, notFound("quote", "no price for %s", symbol)
	}
	return q, nil
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
