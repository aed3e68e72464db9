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

type optionSnapshot struct {
	Details struct {
		Ticker         string  `json:"ticker"`
		ContractType   string  `json:"contract_type"`
		ExpirationDate string  `json:"expiration_date"`
		StrikePrice    float64 `json:"strike_price"`
	} `json:"details"`
	Day struct {
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	} `json:"day"`
	LastQuote struct {
		Bid float64 `json:"bid"`
		Ask float64 `json:"ask"`
	} `json:"last_quote"`
	LastTrade struct {
		Price float64 `json:"price"`
	} `json:"last_trade"`
	Greeks *struct {
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Theta float64 `json:"theta"`
		Vega  float64 `json:"vega"`
	} `json:"greeks"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	OpenInterest      float64 `json:"open_interest"`
	UnderlyingAsset   struct {
		Price  float64 `json:"price"`
		Ticker string  `json:"ticker"`
	} `json:"underlying_asset"`
}

type chainResponse struct {
	Status  string           `json:"status"`
	Results []optionSnapshot `json:"results"`
	NextURL string           `json:"next_url"`
}

type contractResponse struct {
	Status  string         `json:"status"`
	Results optionSnapshot `json:"results"`
}

// Chain fetches every contract expiring in [from, to], following next_url pages
// ⭐ SSOT: option chains are read only through this method
func (c *Client) Chain(ctx context.Context, underlying string, from, to time.Time) (*contracts.ChainSnapshot, error) {
	underlying = strings.ToUpper(underlying)
	params := url.Values{}
	params.Set("expiration_date.gte", from.Format("2006-01-02"))
	params.Set("expiration_date.lte", to.Format("2006-01-02"))
	params.Set("limit", fmt.Sprintf("%d", chainPageLimit))

	chain := &contracts.ChainSnapshot{
		Underlying: underlying,
		FetchedAt:  time.Now(),
		Source:     contracts.SourcePolygonREST,
	}

	next := "/v3/snapshot/options/" + url.PathEscape(underlying)
	for page := 0; next != "" && page < maxChainPages; page++ {
		var resp chainResponse
		opts := httputil.FetchOptions{CacheTTL: chainCacheTTL}
		if err := c.getJSON(ctx, "chain", next, params, opts, &resp); err != nil {
			if page > 0 && len(chain.Contracts) > 0 {
				c.logger.WithError(err).WithField("underlying", underlying).Warn("Chain pagination cut short")
				break
			}
			return nil, err
		}

		for _, snap := range resp.Results {
			ct, ok := snap.toContract(underlying)
			if !ok {
				continue
			}
			chain.Contracts = append(chain.Contracts, ct)
			if chain.Spot == 0 && snap.UnderlyingAsset.Price > 0 {
				chain.Spot = snap.UnderlyingAsset.Price
			}
		}

		// next_url already carries the cursor and filters
		next, params = resp.NextURL, nil
	}

	if len(chain.Contracts) == 0 {
		return nil, notFound("chain", "no contracts for %s between %s and %s",
			underlying, from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	c.logger.WithFields(map[string]interface{}{
		"underlying": underlying,
		"contracts":  len(chain.Contracts),
	}).Debug("Fetched option chain")
	return chain, nil
}

// Contract fetches one contract's snapshot
func (c *Client) Contract(ctx context.Context, symbol string) (contracts.OptionContract, float64, error) {
	opt, err := contracts.ParseOptionSymbol(symbol)
	if err != nil {
		return contracts.OptionContract{}, 0, err
	}

	var resp contractResponse
	path := fmt.Sprintf("/v3/snapshot/options/%s/%s", url.PathEscape(opt.Underlying), url.PathEscape(opt.Polygon()))
	if err := c.getJSON(ctx, "contract", path, nil, httputil.FetchOptions{CacheTTL: quoteCacheTTL}, &resp); err != nil {
		return contracts.OptionContract{}, 0, err
	}

	ct, ok := resp.Results.toContract(opt.Underlying)
	if !ok {
		return contracts.OptionContract{}, 0, notFound("contract", "no snapshot for %s", opt.String())
	}
	return ct, resp.Results.UnderlyingAsset.Price, nil
}

func (s optionSnapshot) toContract(underlying string) (contracts.OptionContract, bool) {
	typ, ok := contracts.ParseOptionType(s.Details.ContractType)
	if !ok || s.Details.StrikePrice <= 0 {
		return contracts.OptionContract{}, false
	}
	expiry, err := contracts.ParseExpiry(s.Details.ExpirationDate)
	if err != nil {
		return contracts.OptionContract{}, false
	}

	ct := contracts.OptionContract{
		Symbol:       contracts.FormatOptionSymbol(underlying, expiry, typ, s.Details.StrikePrice),
		Underlying:   underlying,
		Strike:       s.Details.StrikePrice,
		Expiry:       expiry,
		Type:         typ,
		Bid:          s.LastQuote.Bid,
		Ask:          s.LastQuote.Ask,
		Last:         s.LastTrade.Price,
		Volume:       int64(s.Day.Volume),
		OpenInterest: int64(s.OpenInterest),
		IV:           s.ImpliedVolatility,
	}
	if ct.Last == 0 {
		ct.Last = s.Day.Close
	}
	if s.Greeks != nil && (s.Greeks.Delta != 0 || s.Greeks.Gamma != 0) {
		ct.ProviderGreeks = &contracts.Greeks{
			Delta: s.Greeks.Delta,
			Gamma: s.Greeks.Gamma,
			Theta: s.Greeks.Theta,
			Vega:  s.Greeks.Vega,
		}
	}
	return ct, true
}
