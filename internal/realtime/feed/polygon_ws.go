package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/grahams11/finguru/internal/contracts"
)

type polygonAction struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

type polygonEvent struct {
	Event   string  `json:"ev"`
	Status  string  `json:"status,omitempty"`
	Message string  `json:"message,omitempty"`
	Symbol  string  `json:"sym,omitempty"`
	Bid     float64 `json:"bp,omitempty"`
	Ask     float64 `json:"ap,omitempty"`
	Price   float64 `json:"p,omitempty"`
	Size    int64   `json:"s,omitempty"`
	Close   float64 `json:"c,omitempty"`
	AccVol  int64   `json:"av,omitempty"`
}

// polygonProtocol speaks the Polygon cluster websocket dialect
type polygonProtocol struct {
	url    string
	apiKey string
}

// newPolygonSession creates the secondary live feed
func newPolygonSession(url, apiKey string, opts SessionOptions, deps sessionDeps) *Session {
	return newSession(&polygonProtocol{url: url, apiKey: apiKey}, opts, deps.quotes, deps.greeks, deps.pending, deps.logger)
}

func (p *polygonProtocol) Name() string             { return "polygon" }
func (p *polygonProtocol) Source() contracts.Source { return contracts.SourcePolygonWS }

func (p *polygonProtocol) endpoint(context.Context) (string, http.Header, error) {
	if p.apiKey == "" {
		return "", nil, fmt.Errorf("%w: polygon api key not configured", contracts.ErrAuth)
	}
	if p.url == "" {
		return "", nil, fmt.Errorf("%w: polygon websocket url not configured", contracts.ErrUnavailable)
	}
	return p.url, nil, nil
}

func (p *polygonProtocol) handshake(ctx context.Context, c *wsConn) error {
	authSent := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := c.read()
		if err != nil {
			return fmt.Errorf("%w: handshake read: %v", contracts.ErrTransport, err)
		}

		events, err := decodePolygon(raw)
		if err != nil {
			continue
		}
		for _, ev := range events {
			if ev.Event != "status" {
				continue
			}
			switch ev.Status {
			case "connected":
				if authSent {
					continue
				}
				if err := c.writeJSON(polygonAction{Action: "auth", Params: p.apiKey}); err != nil {
					return fmt.Errorf("%w: auth: %v", contracts.ErrTransport, err)
				}
				authSent = true
			case "auth_success":
				return nil
			case "auth_failed":
				return fmt.Errorf("%w: polygon: %s", contracts.ErrAuth, ev.Message)
			}
		}
	}
}

func (p *polygonProtocol) subscribe(c *wsConn, symbols []string) error {
	return c.writeJSON(polygonAction{Action: "subscribe", Params: polygonChannels(symbols)})
}

func (p *polygonProtocol) unsubscribe(c *wsConn, symbols []string) error {
	return c.writeJSON(polygonAction{Action: "unsubscribe", Params: polygonChannels(symbols)})
}

func (p *polygonProtocol) keepalive(c *wsConn) error {
	return c.ping()
}

func (p *polygonProtocol) handle(_ *wsConn, raw []byte, out sink) error {
	events, err := decodePolygon(raw)
	if err != nil {
		return err
	}

	for _, ev := range events {
		symbol := contracts.NormalizeSymbol(ev.Symbol)
		switch ev.Event {
		case "Q":
			if ev.Bid > 0 || ev.Ask > 0 {
				out.onQuote(symbol, ev.Bid, ev.Ask)
			}
		case "T":
			if ev.Price > 0 {
				out.onTrade(symbol, ev.Price, 0)
			}
		case "AM", "A":
			if ev.Close > 0 {
				out.onTrade(symbol, ev.Close, ev.AccVol)
			}
		case "status":
			if ev.Status == "auth_failed" {
				return fmt.Errorf("%w: polygon: %s", contracts.ErrAuth, ev.Message)
			}
		}
	}
	return nil
}

// decodePolygon accepts a JSON array of events; some proxies split them by newline
func decodePolygon(raw []byte) ([]polygonEvent, error) {
	var all []polygonEvent
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var events []polygonEvent
		if err := json.Unmarshal([]byte(line), &events); err != nil {
			var single polygonEvent
			if err2 := json.Unmarshal([]byte(line), &single); err2 != nil {
				return nil, fmt.Errorf("%w: polygon frame: %v", contracts.ErrDataValidation, err)
			}
			events = []polygonEvent{single}
		}
		all = append(all, events...)
	}
	return all, nil
}

// polygonChannels renders "Q.SYM,T.SYM,..." in Polygon's symbol dialect
func polygonChannels(symbols []string) string {
	parts := make([]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		ps := sym
		if opt, err := contracts.ParseOptionSymbol(sym); err == nil {
			ps = opt.Polygon()
		}
		parts = append(parts, "Q."+ps, "T."+ps)
	}
	return strings.Join(parts, ",")
}
