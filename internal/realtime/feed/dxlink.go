package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/grahams11/finguru/internal/contracts"
)

const (
	dxlinkVersion   = "0.1-DXF-JS/0.3.0"
	dxlinkFeedChan  = 1
	dxlinkKeepalive = 60

	eventQuote  = "Quote"
	eventTrade  = "Trade"
	eventGreeks = "Greeks"
)

// Field order requested in FEED_SETUP; COMPACT frames arrive in exactly this order.
var dxlinkFields = map[string][]string{
	eventQuote:  {"eventType", "eventSymbol", "bidPrice", "askPrice", "bidSize", "askSize"},
	eventTrade:  {"eventType", "eventSymbol", "price", "dayVolume", "size"},
	eventGreeks: {"eventType", "eventSymbol", "volatility", "delta", "gamma", "theta", "rho", "vega", "price"},
}

// TokenSource yields a streaming token and, optionally, the websocket URL to use with it
type TokenSource func(ctx context.Context) (token, url string, err error)

// StaticToken serves a fixed token
func StaticToken(token, url string) TokenSource {
	return func(context.Context) (string, string, error) {
		if token == "" {
			return "", "", fmt.Errorf("%w: no dxlink token configured", contracts.ErrAuth)
		}
		return token, url, nil
	}
}

type dxMessage struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`

	// SETUP
	Version                string `json:"version,omitempty"`
	KeepaliveTimeout       int    `json:"keepaliveTimeout,omitempty"`
	AcceptKeepaliveTimeout int    `json:"acceptKeepaliveTimeout,omitempty"`

	// AUTH / AUTH_STATE
	Token string `json:"token,omitempty"`
	State string `json:"state,omitempty"`

	// CHANNEL_REQUEST
	Service    string            `json:"service,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`

	// FEED_SETUP
	AcceptAggregationPeriod float64             `json:"acceptAggregationPeriod,omitempty"`
	AcceptDataFormat        string              `json:"acceptDataFormat,omitempty"`
	AcceptEventFields       map[string][]string `json:"acceptEventFields,omitempty"`

	// FEED_SUBSCRIPTION
	Add    []dxSubscription `json:"add,omitempty"`
	Remove []dxSubscription `json:"remove,omitempty"`

	// FEED_DATA
	Data []json.RawMessage `json:"data,omitempty"`

	// ERROR
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type dxSubscription struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// dxlinkProtocol speaks the dxLink websocket dialect in COMPACT format
type dxlinkProtocol struct {
	url    string
	tokens TokenSource
	token  string
}

// newDXLinkSession creates the primary live feed
func newDXLinkSession(url string, tokens TokenSource, opts SessionOptions, deps sessionDeps) *Session {
	return newSession(&dxlinkProtocol{url: url, tokens: tokens}, opts, deps.quotes, deps.greeks, deps.pending, deps.logger)
}

func (p *dxlinkProtocol) Name() string             { return "dxlink" }
func (p *dxlinkProtocol) Source() contracts.Source { return contracts.SourceDXLink }

func (p *dxlinkProtocol) endpoint(ctx context.Context) (string, http.Header, error) {
	token, url, err := p.tokens(ctx)
	if err != nil {
		return "", nil, err
	}
	p.token = token
	if url == "" {
		url = p.url
	}
	if url == "" {
		return "", nil, fmt.Errorf("%w: dxlink url not configured", contracts.ErrUnavailable)
	}
	return url, nil, nil
}

func (p *dxlinkProtocol) handshake(ctx context.Context, c *wsConn) error {
	err := c.writeJSON(dxMessage{
		Type:                   "SETUP",
		Channel:                0,
		Version:                dxlinkVersion,
		KeepaliveTimeout:       dxlinkKeepalive,
		AcceptKeepaliveTimeout: dxlinkKeepalive,
	})
	if err != nil {
		return fmt.Errorf("%w: setup: %v", contracts.ErrTransport, err)
	}

	authSent := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := c.read()
		if err != nil {
			return fmt.Errorf("%w: handshake read: %v", contracts.ErrTransport, err)
		}

		var msg dxMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "AUTH_STATE":
			switch msg.State {
			case "UNAUTHORIZED":
				if authSent {
					return fmt.Errorf("%w: dxlink rejected token", contracts.ErrAuth)
				}
				if err := c.writeJSON(dxMessage{Type: "AUTH", Channel: 0, Token: p.token}); err != nil {
					return fmt.Errorf("%w: auth: %v", contracts.ErrTransport, err)
				}
				authSent = true
			case "AUTHORIZED":
				err := c.writeJSON(dxMessage{
					Type:       "CHANNEL_REQUEST",
					Channel:    dxlinkFeedChan,
					Service:    "FEED",
					Parameters: map[string]string{"contract": "AUTO"},
				})
				if err != nil {
					return fmt.Errorf("%w: channel request: %v", contracts.ErrTransport, err)
				}
			}
		case "CHANNEL_OPENED":
			if msg.Channel != dxlinkFeedChan {
				continue
			}
			err := c.writeJSON(dxMessage{
				Type:                    "FEED_SETUP",
				Channel:                 dxlinkFeedChan,
				AcceptAggregationPeriod: 0.1,
				AcceptDataFormat:        "COMPACT",
				AcceptEventFields:       dxlinkFields,
			})
			if err != nil {
				return fmt.Errorf("%w: feed setup: %v", contracts.ErrTransport, err)
			}
			return nil
		case "ERROR":
			if msg.Error == "UNAUTHORIZED" {
				return fmt.Errorf("%w: dxlink: %s", contracts.ErrAuth, msg.Message)
			}
			return fmt.Errorf("%w: dxlink error %s: %s", contracts.ErrUnavailable, msg.Error, msg.Message)
		case "KEEPALIVE":
			_ = c.writeJSON(dxMessage{Type: "KEEPALIVE", Channel: 0})
		}
	}
}

func (p *dxlinkProtocol) subscribe(c *wsConn, symbols []string) error {
	return c.writeJSON(dxMessage{Type: "FEED_SUBSCRIPTION", Channel: dxlinkFeedChan, Add: dxSubscriptions(symbols)})
}

func (p *dxlinkProtocol) unsubscribe(c *wsConn, symbols []string) error {
	return c.writeJSON(dxMessage{Type: "FEED_SUBSCRIPTION", Channel: dxlinkFeedChan, Remove: dxSubscriptions(symbols)})
}

func (p *dxlinkProtocol) keepalive(c *wsConn) error {
	return c.writeJSON(dxMessage{Type: "KEEPALIVE", Channel: 0})
}

func (p *dxlinkProtocol) handle(c *wsConn, raw []byte, out sink) error {
	var msg dxMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: dxlink frame: %v", contracts.ErrDataValidation, err)
	}

	switch msg.Type {
	case "FEED_DATA":
		return decodeCompact(msg.Data, out)
	case "KEEPALIVE":
		return c.writeJSON(dxMessage{Type: "KEEPALIVE", Channel: 0})
	case "AUTH_STATE":
		if msg.State == "UNAUTHORIZED" {
			return fmt.Errorf("%w: dxlink session deauthorized", contracts.ErrAuth)
		}
	case "ERROR":
		if msg.Error == "UNAUTHORIZED" {
			return fmt.Errorf("%w: dxlink: %s", contracts.ErrAuth, msg.Message)
		}
		return fmt.Errorf("dxlink error %s: %s", msg.Error, msg.Message)
	}
	return nil
}

// dxSubscriptions maps canonical symbols to dxfeed event subscriptions.
// Options also stream Greeks.
func dxSubscriptions(symbols []string) []dxSubscription {
	subs := make([]dxSubscription, 0, len(symbols)*3)
	for _, sym := range symbols {
		dx := sym
		opt, err := contracts.ParseOptionSymbol(sym)
		if err == nil {
			dx = opt.DXFeed()
		}
		subs = append(subs,
			dxSubscription{Type: eventQuote, Symbol: dx},
			dxSubscription{Type: eventTrade, Symbol: dx},
		)
		if err == nil {
			subs = append(subs, dxSubscription{Type: eventGreeks, Symbol: dx})
		}
	}
	return subs
}

// decodeCompact walks COMPACT payloads: alternating event type and a flat value array
// holding one record per len(fields) values.
func decodeCompact(data []json.RawMessage, out sink) error {
	for i := 0; i+1 < len(data); i += 2 {
		var eventType string
		if err := json.Unmarshal(data[i], &eventType); err != nil {
			return fmt.Errorf("%w: compact event type: %v", contracts.ErrDataValidation, err)
		}
		fields, ok := dxlinkFields[eventType]
		if !ok {
			continue
		}

		var values []interface{}
		if err := json.Unmarshal(data[i+1], &values); err != nil {
			return fmt.Errorf("%w: compact values: %v", contracts.ErrDataValidation, err)
		}

		stride := len(fields)
		for off := 0; off+stride <= len(values); off += stride {
			rec := values[off : off+stride]
			sym, _ := rec[1].(string)
			if sym == "" {
				continue
			}
			symbol := contracts.NormalizeSymbol(sym)

			switch eventType {
			case eventQuote:
				bid, ask := compactFloat(rec[2]), compactFloat(rec[3])
				if bid > 0 || ask > 0 {
					out.onQuote(symbol, positive(bid), positive(ask))
				}
			case eventTrade:
				last := compactFloat(rec[2])
				if last > 0 {
					out.onTrade(symbol, last, int64(positive(compactFloat(rec[3]))))
				}
			case eventGreeks:
				g := contracts.Greeks{
					Delta: compactFloat(rec[3]),
					Gamma: compactFloat(rec[4]),
					Theta: compactFloat(rec[5]),
					Rho:   compactFloat(rec[6]),
					Vega:  compactFloat(rec[7]),
				}
				out.onGreeks(symbol, g, compactFloat(rec[2]), compactFloat(rec[8]))
			}
		}
	}
	return nil
}

// compactFloat reads a COMPACT value; "NaN" and missing values read as NaN
func compactFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func positive(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	return f
}
