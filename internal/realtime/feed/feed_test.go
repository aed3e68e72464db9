package feed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/realtime"
	"github.com/grahams11/finguru/internal/realtime/cache"
	"github.com/grahams11/finguru/pkg/logger"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testDeps() sessionDeps {
	return sessionDeps{
		quotes:  cache.NewQuoteCache(10*time.Second, nil),
		greeks:  cache.NewGreeksCache(10 * time.Second),
		pending: newPendingTable(),
		logger:  logger.Nop(),
	}
}

func fastOptions() SessionOptions {
	return SessionOptions{
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		HealthTimeout:   30 * time.Second,
		MaxAuthFailures: 2,
	}
}

// fakeDXLink is a minimal dxLink server; each subscribed symbol gets one quote back
type fakeDXLink struct {
	token       string
	dropFirst   bool
	connections atomic.Int32

	mu   sync.Mutex
	subs []string
}

func (f *fakeDXLink) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

func (f *fakeDXLink) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := f.connections.Add(1)

	for {
		var msg dxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "SETUP":
			_ = conn.WriteJSON(dxMessage{Type: "SETUP", Channel: 0, Version: "test"})
			_ = conn.WriteJSON(dxMessage{Type: "AUTH_STATE", Channel: 0, State: "UNAUTHORIZED"})
		case "AUTH":
			state := "UNAUTHORIZED"
			if msg.Token == f.token {
				state = "AUTHORIZED"
			}
			_ = conn.WriteJSON(dxMessage{Type: "AUTH_STATE", Channel: 0, State: state})
		case "CHANNEL_REQUEST":
			_ = conn.WriteJSON(dxMessage{Type: "CHANNEL_OPENED", Channel: msg.Channel})
		case "FEED_SUBSCRIPTION":
			var values []interface{}
			var greeks []interface{}
			for _, sub := range msg.Add {
				f.mu.Lock()
				f.subs = append(f.subs, sub.Type+":"+sub.Symbol)
				f.mu.Unlock()
				switch sub.Type {
				case eventQuote:
					values = append(values, eventQuote, sub.Symbol, 1.5, 1.6, 10, 12)
				case eventGreeks:
					greeks = append(greeks, eventGreeks, sub.Symbol, 0.32, 0.41, 0.05, -0.12, 0.01, 0.09, 1.55)
				}
			}
			data := []interface{}{eventQuote, values}
			if len(greeks) > 0 {
				data = append(data, eventGreeks, greeks)
			}
			_ = conn.WriteJSON(map[string]interface{}{"type": "FEED_DATA", "channel": 1, "data": data})

			if f.dropFirst && n == 1 {
				return
			}
		}
	}
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	s.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)
}

func TestBackoffDoublesCapsAndResets(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second)

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second,
	}, got)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}

	b.Reset()
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestPendingFulfilAndTimeout(t *testing.T) {
	p := newPendingTable()

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = p.wait(context.Background(), "AAPL", time.Second)
		}(i)
	}

	require.Eventually(t, func() bool { return p.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, p.fulfill("AAPL", contracts.QuoteSnapshot{Symbol: "AAPL", Last: 190}))
	wg.Wait()
	assert.Equal(t, []bool{true, true}, results)
	assert.Equal(t, 0, p.len())

	_, ok := p.wait(context.Background(), "MSFT", 5*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, 0, p.len(), "timed-out waiter removes its own entry")
	assert.Equal(t, 0, p.fulfill("MSFT", contracts.QuoteSnapshot{}))
}

func TestPendingContextCancel(t *testing.T) {
	p := newPendingTable()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := p.wait(ctx, "SPY", time.Second)
	assert.False(t, ok)
	assert.Equal(t, 0, p.len())
}

type recordingSink struct {
	quotes map[string][2]float64
	trades map[string]float64
	greeks map[string]contracts.Greeks
	ivs    map[string]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		quotes: map[string][2]float64{},
		trades: map[string]float64{},
		greeks: map[string]contracts.Greeks{},
		ivs:    map[string]float64{},
	}
}

func (r *recordingSink) onQuote(symbol string, bid, ask float64) {
	r.quotes[symbol] = [2]float64{bid, ask}
}

func (r *recordingSink) onTrade(symbol string, last float64, _ int64) {
	r.trades[symbol] = last
}

func (r *recordingSink) onGreeks(symbol string, g contracts.Greeks, iv, _ float64) {
	r.greeks[symbol] = g
	r.ivs[symbol] = iv
}

func TestDecodeCompact(t *testing.T) {
	raw := `["Quote",["Quote","AAPL",189.5,189.6,100,200,"Quote","SPY","NaN",501.2,0,5],
	         "Trade",["Trade","AAPL",189.55,1000000,10],
	         "Greeks",["Greeks",".AAPL240119C150",0.28,0.55,0.04,-0.09,0.02,0.11,4.2],
	         "Unknown",[1,2,3]]`
	var data []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &data))

	sink := newRecordingSink()
	require.NoError(t, decodeCompact(data, sink))

	assert.Equal(t, [2]float64{189.5, 189.6}, sink.quotes["AAPL"])
	assert.Equal(t, [2]float64{0, 501.2}, sink.quotes["SPY"], "NaN bid reads as missing")
	assert.Equal(t, 189.55, sink.trades["AAPL"])

	g, ok := sink.greeks["AAPL240119C00150000"]
	require.True(t, ok, "dxfeed symbols are canonicalized")
	assert.Equal(t, 0.55, g.Delta)
	assert.Equal(t, -0.09, g.Theta)
	assert.Equal(t, 0.28, sink.ivs["AAPL240119C00150000"])
}

func TestCompactFloat(t *testing.T) {
	assert.Equal(t, 1.25, compactFloat(1.25))
	assert.Equal(t, 2.5, compactFloat("2.5"))
	assert.True(t, math.IsNaN(compactFloat("NaN")))
	assert.True(t, math.IsNaN(compactFloat(nil)))
}

func TestDXSubscriptionsUseFeedDialect(t *testing.T) {
	subs := dxSubscriptions([]string{"AAPL", "AAPL240119C00150000"})
	require.Len(t, subs, 5)
	assert.Equal(t, dxSubscription{Type: eventQuote, Symbol: "AAPL"}, subs[0])
	assert.Equal(t, dxSubscription{Type: eventQuote, Symbol: ".AAPL240119C150"}, subs[2])
	assert.Equal(t, dxSubscription{Type: eventGreeks, Symbol: ".AAPL240119C150"}, subs[4])
}

func TestDXLinkSessionReceivesQuotes(t *testing.T) {
	fake := &fakeDXLink{token: "good"}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	deps := testDeps()
	s := newDXLinkSession(wsURL(server), StaticToken("good", ""), fastOptions(), deps)
	require.NoError(t, s.Subscribe("aapl", "AAPL240119C00150000"))
	startSession(t, s)

	require.Eventually(t, func() bool {
		_, ok := deps.quotes.Get("AAPL")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	q, _ := deps.quotes.Get("AAPL")
	assert.Equal(t, 1.5, q.Bid)
	assert.Equal(t, 1.6, q.Ask)
	assert.Equal(t, contracts.SourceDXLink, q.Source)
	assert.WithinDuration(t, time.Now(), q.Timestamp, time.Second, "stamped with receipt time")

	require.Eventually(t, func() bool {
		_, ok := deps.greeks.Get("AAPL240119C00150000")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	g, _ := deps.greeks.Get("AAPL240119C00150000")
	assert.Equal(t, 0.41, g.Greeks.Delta)

	h := s.Health()
	assert.Equal(t, realtime.StateReceiving, h.State)
	assert.True(t, h.Healthy)
	assert.Equal(t, 2, h.Subscriptions)
}

func TestDXLinkSessionResubscribesAfterReconnect(t *testing.T) {
	fake := &fakeDXLink{token: "good", dropFirst: true}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	s := newDXLinkSession(wsURL(server), StaticToken("good", ""), fastOptions(), testDeps())
	require.NoError(t, s.Subscribe("SPY"))
	startSession(t, s)

	require.Eventually(t, func() bool {
		return fake.connections.Load() >= 2 && s.State() == realtime.StateReceiving
	}, 3*time.Second, 5*time.Millisecond)

	count := 0
	for _, sub := range fake.subscriptions() {
		if sub == "Quote:SPY" {
			count++
		}
	}
	assert.GreaterOrEqual(t, count, 2, "every symbol is re-issued on reconnect")
	assert.GreaterOrEqual(t, s.Health().Reconnects, 1)
}

func TestDXLinkAuthFailureMarksUnavailable(t *testing.T) {
	fake := &fakeDXLink{token: "good"}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	s := newDXLinkSession(wsURL(server), StaticToken("bad", ""), fastOptions(), testDeps())
	startSession(t, s)

	require.Eventually(t, func() bool {
		return s.State() == realtime.StateUnavailable
	}, 3*time.Second, 5*time.Millisecond)

	h := s.Health()
	assert.Equal(t, 2, h.AuthFailures)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.LastError, contracts.ErrAuth.Error())
	assert.Equal(t, int32(2), fake.connections.Load())
}

func TestHealthIsAdvisory(t *testing.T) {
	s := newDXLinkSession("ws://unused", StaticToken("x", ""), fastOptions(), testDeps())
	s.setState(realtime.StateReceiving)

	s.lastMessage.Store(time.Now().UnixNano())
	assert.True(t, s.Health().Healthy)

	s.lastMessage.Store(time.Now().Add(-31 * time.Second).UnixNano())
	h := s.Health()
	assert.False(t, h.Healthy, "silent beyond the health timeout")
	assert.Equal(t, realtime.StateReceiving, h.State, "silence alone never drops the connection")

	s.setState(realtime.StateReconnecting)
	s.lastMessage.Store(time.Now().UnixNano())
	assert.False(t, s.Health().Healthy)
}

func fakePolygon(apiKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON([]polygonEvent{{Event: "status", Status: "connected"}})
		for {
			var action polygonAction
			if err := conn.ReadJSON(&action); err != nil {
				return
			}
			switch action.Action {
			case "auth":
				status := "auth_failed"
				if action.Params == apiKey {
					status = "auth_success"
				}
				_ = conn.WriteJSON([]polygonEvent{{Event: "status", Status: status, Message: status}})
			case "subscribe":
				var events []polygonEvent
				for _, ch := range strings.Split(action.Params, ",") {
					if strings.HasPrefix(ch, "Q.") {
						events = append(events, polygonEvent{Event: "Q", Symbol: ch[2:], Bid: 10.1, Ask: 10.3})
					}
				}
				_ = conn.WriteJSON(events)
			}
		}
	}
}

func TestPolygonSessionReceivesQuotes(t *testing.T) {
	server := httptest.NewServer(fakePolygon("key"))
	defer server.Close()

	deps := testDeps()
	s := newPolygonSession(wsURL(server), "key", fastOptions(), deps)
	require.NoError(t, s.Subscribe("MSFT", "O:MSFT240119P00400000"))
	startSession(t, s)

	require.Eventually(t, func() bool {
		got := deps.quotes.GetMany([]string{"MSFT", "MSFT240119P00400000"})
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	q, _ := deps.quotes.Get("MSFT240119P00400000")
	assert.Equal(t, contracts.SourcePolygonWS, q.Source)
	assert.InDelta(t, 10.2, q.Mid(), 1e-9)
}

func TestPolygonAuthFailure(t *testing.T) {
	server := httptest.NewServer(fakePolygon("key"))
	defer server.Close()

	s := newPolygonSession(wsURL(server), "wrong", fastOptions(), testDeps())
	startSession(t, s)

	require.Eventually(t, func() bool {
		return s.State() == realtime.StateUnavailable
	}, 3*time.Second, 5*time.Millisecond)
}

func TestPolygonHandleEvents(t *testing.T) {
	p := &polygonProtocol{}
	sink := newRecordingSink()

	raw := `[{"ev":"Q","sym":"AAPL","bp":189.1,"ap":189.2},{"ev":"T","sym":"AAPL","p":189.15,"s":100}]
[{"ev":"AM","sym":"SPY","c":501.5,"av":123456}]`
	require.NoError(t, p.handle(nil, []byte(raw), sink))

	assert.Equal(t, [2]float64{189.1, 189.2}, sink.quotes["AAPL"])
	assert.Equal(t, 189.15, sink.trades["AAPL"])
	assert.Equal(t, 501.5, sink.trades["SPY"])

	err := p.handle(nil, []byte(`not json`), sink)
	assert.ErrorIs(t, err, contracts.ErrDataValidation)
}

func TestPolygonChannels(t *testing.T) {
	assert.Equal(t, "Q.SPY,T.SPY,Q.O:SPY240119C00450000,T.O:SPY240119C00450000",
		polygonChannels([]string{"SPY", "SPY240119C00450000"}))
}

func TestManagerAwaitQuote(t *testing.T) {
	fake := &fakeDXLink{token: "good"}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	m := newManager(logger.Nop(), cache.NewQuoteCache(10*time.Second, nil), cache.NewGreeksCache(10*time.Second))
	s := newDXLinkSession(wsURL(server), StaticToken("good", ""), fastOptions(), m.deps())
	m.sessions = append(m.sessions, s)
	startSession(t, s)

	require.Eventually(t, m.Available, 2*time.Second, 5*time.Millisecond)

	q, ok := m.AwaitQuote(context.Background(), "nvda", 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "NVDA", q.Symbol)
	assert.Equal(t, 1.5, q.Bid)

	cached, ok := m.GetQuote("NVDA")
	require.True(t, ok)
	assert.Equal(t, q.Bid, cached.Bid)

	health := m.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "dxlink", health[0].Provider)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Feeds)
	assert.Equal(t, 1, stats.Subscriptions)
}

func TestManagerWithoutFeeds(t *testing.T) {
	m := newManager(nil, cache.NewQuoteCache(10*time.Second, nil), nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.False(t, m.Available())
	_, ok := m.AwaitQuote(context.Background(), "SPY", 10*time.Millisecond)
	assert.False(t, ok)
	_, ok = m.GetGreeks("SPY240119C00450000")
	assert.False(t, ok)
}
