package contracts

import (
	"math"
	"sort"
	"time"
)

// OptionType is call or put
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// ParseOptionType accepts call/put and their single-letter forms
func ParseOptionType(s string) (OptionType, bool) {
	switch s {
	case "call", "CALL", "Call", "c", "C":
		return Call, true
	case "put", "PUT", "Put", "p", "P":
		return Put, true
	default:
		return "", false
	}
}

// Source tags where a snapshot came from
type Source string

const (
	SourceDXLink      Source = "dxlink"
	SourcePolygonWS   Source = "polygon_ws"
	SourcePolygonREST Source = "polygon_rest"
	SourceYahoo       Source = "yahoo"
	SourceScrape      Source = "scrape"
	SourceDatabase    Source = "database"
	SourceModel       Source = "model"
)

// QuoteSnapshot is the latest top-of-book and trade for one symbol
// ⭐ SSOT: every provider quote is decoded into this shape at the feed boundary
type QuoteSnapshot struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// Mid returns the bid/ask midpoint, or last when the book is one-sided
func (q QuoteSnapshot) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Price returns the best single price for the symbol
func (q QuoteSnapshot) Price() float64 {
	if q.Last > 0 {
		return q.Last
	}
	return q.Mid()
}

// IsFresh reports whether the snapshot is younger than maxAge at now
func (q QuoteSnapshot) IsFresh(now time.Time, maxAge time.Duration) bool {
	return !q.Timestamp.IsZero() && now.Sub(q.Timestamp) <= maxAge
}

// Greeks are the Black-Scholes sensitivities of one contract.
// Theta is per calendar day, vega and rho per one percentage point.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Valid reports whether every field is finite
func (g Greeks) Valid() bool {
	for _, v := range []float64{g.Delta, g.Gamma, g.Theta, g.Vega, g.Rho} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// OptionContract is one contract from a chain snapshot, immutable for a scan cycle
type OptionContract struct {
	Symbol         string     `json:"symbol"` // canonical OCC
	Underlying     string     `json:"underlying"`
	Strike         float64    `json:"strike"`
	Expiry         time.Time  `json:"expiry"`
	Type           OptionType `json:"type"`
	Bid            float64    `json:"bid"`
	Ask            float64    `json:"ask"`
	Last           float64    `json:"last,omitempty"`
	Volume         int64      `json:"volume"`
	OpenInterest   int64      `json:"open_interest"`
	IV             float64    `json:"iv,omitempty"`
	ProviderGreeks *Greeks    `json:"provider_greeks,omitempty"`
}

// Mid returns the bid/ask midpoint, falling back to last
func (c OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// SpreadPct returns (ask-bid)/mid, or +Inf when there is no two-sided market
func (c OptionContract) SpreadPct() float64 {
	mid := c.Mid()
	if c.Bid <= 0 || c.Ask <= 0 || mid <= 0 || c.Ask < c.Bid {
		return math.Inf(1)
	}
	return (c.Ask - c.Bid) / mid
}

// DTE returns calendar days to expiry measured in the expiry's location
func (c OptionContract) DTE(now time.Time) int {
	loc := c.Expiry.Location()
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	exp := time.Date(c.Expiry.Year(), c.Expiry.Month(), c.Expiry.Day(), 0, 0, 0, 0, loc)
	days := int(math.Round(exp.Sub(today).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

// ChainSnapshot is one underlying's option chain at a point in time
type ChainSnapshot struct {
	Underlying string           `json:"underlying"`
	Spot       float64          `json:"spot"`
	Contracts  []OptionContract `json:"contracts"`
	FetchedAt  time.Time        `json:"fetched_at"`
	Source     Source           `json:"source"`
}

// Expiries returns the distinct expiry dates in ascending order
func (c *ChainSnapshot) Expiries() []time.Time {
	seen := make(map[string]time.Time)
	for _, ct := range c.Contracts {
		key := ct.Expiry.Format("2006-01-02")
		if _, ok := seen[key]; !ok {
			seen[key] = ct.Expiry
		}
	}

	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ForExpiry returns the contracts expiring on the same calendar day as expiry
func (c *ChainSnapshot) ForExpiry(expiry time.Time) []OptionContract {
	key := expiry.Format("2006-01-02")
	var out []OptionContract
	for _, ct := range c.Contracts {
		if ct.Expiry.Format("2006-01-02") == key {
			out = append(out, ct)
		}
	}
	return out
}

// Bar is one daily OHLCV bar
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Closes extracts closing prices, oldest first
func Closes(bars []Bar) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Close > 0 {
			out = append(out, b.Close)
		}
	}
	return out
}
