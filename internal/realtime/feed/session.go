package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/realtime"
	"github.com/grahams11/finguru/internal/realtime/cache"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/logger"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// protocol is one provider's wire dialect. Implementations translate between
// canonical symbols and the provider's own and never leak provider shapes upward.
type protocol interface {
	Name() string
	Source() contracts.Source
	endpoint(ctx context.Context) (string, http.Header, error)
	handshake(ctx context.Context, c *wsConn) error
	subscribe(c *wsConn, symbols []string) error
	unsubscribe(c *wsConn, symbols []string) error
	handle(c *wsConn, msg []byte, out sink) error
	keepalive(c *wsConn) error
}

// sink receives decoded events
type sink interface {
	onQuote(symbol string, bid, ask float64)
	onTrade(symbol string, last float64, volume int64)
	onGreeks(symbol string, g contracts.Greeks, iv, theo float64)
}

// wsConn serializes writes on a gorilla connection
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) read() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) close() {
	c.once.Do(func() { _ = c.conn.Close() })
}

// SessionOptions holds connection timings
type SessionOptions struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	HealthTimeout   time.Duration
	KeepAlive       time.Duration
	MaxAuthFailures int
}

// SessionOptionsFromConfig maps the feed section of the config
func SessionOptionsFromConfig(cfg *config.Config) SessionOptions {
	return SessionOptions{
		InitialBackoff:  cfg.Feed.InitialBackoff,
		MaxBackoff:      cfg.Feed.MaxBackoff,
		HealthTimeout:   cfg.Feed.HealthTimeout,
		KeepAlive:       cfg.Feed.KeepAlive,
		MaxAuthFailures: cfg.Feed.MaxAuthFailures,
	}
}

// Session owns one provider connection: connect, authenticate, subscribe, receive, reconnect
// ⭐ SSOT: live feed lifecycle for every provider runs through this type
type Session struct {
	proto   protocol
	opts    SessionOptions
	logger  *logger.Logger
	quotes  *cache.QuoteCache
	greeks  *cache.GreeksCache
	pending *pendingTable
	dialer  *websocket.Dialer

	mu           sync.RWMutex
	state        realtime.State
	conn         *wsConn
	symbols      map[string]struct{}
	connectedAt  time.Time
	reconnects   int
	authFailures int
	lastError    string

	lastMessage atomic.Int64
	messages    atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newSession(proto protocol, opts SessionOptions, quotes *cache.QuoteCache, greeks *cache.GreeksCache, pending *pendingTable, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Nop()
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 30 * time.Second
	}
	return &Session{
		proto:   proto,
		opts:    opts,
		logger:  log.WithField("feed", proto.Name()),
		quotes:  quotes,
		greeks:  greeks,
		pending: pending,
		dialer:  websocket.DefaultDialer,
		symbols: make(map[string]struct{}),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Name returns the provider name
func (s *Session) Name() string {
	return s.proto.Name()
}

// Start launches the connection loop; it never blocks on the network
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Starting live feed")
	go s.run(ctx)
}

// Stop closes the connection and waits for the loop to exit
func (s *Session) Stop() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Stopped live feed")
}

// Subscribe adds symbols; they are re-issued automatically after every reconnect
func (s *Session) Subscribe(symbols ...string) error {
	added := s.addSymbols(symbols, true)
	if len(added) == 0 {
		return nil
	}

	c := s.liveConn()
	if c == nil {
		return nil // sent on the next successful connect
	}
	if err := s.proto.subscribe(c, added); err != nil {
		return fmt.Errorf("%s subscribe: %w", s.proto.Name(), err)
	}
	s.logger.WithField("count", len(added)).Debug("Subscribed symbols")
	return nil
}

// Unsubscribe removes symbols
func (s *Session) Unsubscribe(symbols ...string) error {
	removed := s.addSymbols(symbols, false)
	if len(removed) == 0 {
		return nil
	}

	c := s.liveConn()
	if c == nil {
		return nil
	}
	if err := s.proto.unsubscribe(c, removed); err != nil {
		return fmt.Errorf("%s unsubscribe: %w", s.proto.Name(), err)
	}
	return nil
}

// Subscriptions returns the active symbol set, sorted
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// State returns the current lifecycle state
func (s *Session) State() realtime.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Health reports liveness; silence beyond HealthTimeout is unhealthy but never forces a reconnect
func (s *Session) Health() realtime.FeedHealth {
	s.mu.RLock()
	h := realtime.FeedHealth{
		Provider:      s.proto.Name(),
		State:         s.state,
		ConnectedAt:   s.connectedAt,
		Reconnects:    s.reconnects,
		AuthFailures:  s.authFailures,
		Subscriptions: len(s.symbols),
		LastError:     s.lastError,
	}
	s.mu.RUnlock()

	h.Messages = s.messages.Load()
	if ns := s.lastMessage.Load(); ns > 0 {
		h.LastMessageAt = time.Unix(0, ns)
	}

	since := h.LastMessageAt
	if since.IsZero() {
		since = h.ConnectedAt
	}
	connected := h.State == realtime.StateSubscribed || h.State == realtime.StateReceiving
	h.Healthy = connected && !since.IsZero() && s.now().Sub(since) <= s.opts.HealthTimeout
	return h
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	backoff := NewBackoff(s.opts.InitialBackoff, s.opts.MaxBackoff)
	authFailures := 0

	for {
		if ctx.Err() != nil {
			s.setState(realtime.StateDisconnected)
			return
		}

		s.setState(realtime.StateConnecting)
		authenticated, err := s.connectAndServe(ctx, backoff)
		if ctx.Err() != nil {
			s.setState(realtime.StateDisconnected)
			return
		}

		if authenticated {
			authFailures = 0
		}
		if errors.Is(err, contracts.ErrAuth) {
			authFailures++
			s.mu.Lock()
			s.authFailures = authFailures
			s.mu.Unlock()

			if s.opts.MaxAuthFailures > 0 && authFailures >= s.opts.MaxAuthFailures {
				s.setError(err)
				s.setState(realtime.StateUnavailable)
				s.logger.WithError(err).WithField("attempts", authFailures).Error("Live feed unavailable: authentication keeps failing")
				return
			}
		}
		s.setError(err)

		s.setState(realtime.StateReconnecting)
		delay := backoff.Next()
		s.logger.WithError(err).WithField("delay", delay).Warn("Live feed disconnected, reconnecting")

		if err := s.sleep(ctx, delay); err != nil {
			s.setState(realtime.StateDisconnected)
			return
		}
	}
}

// connectAndServe runs one connection attempt until it fails.
// authenticated is true when the handshake completed.
func (s *Session) connectAndServe(ctx context.Context, backoff *Backoff) (authenticated bool, err error) {
	url, header, err := s.proto.endpoint(ctx)
	if err != nil {
		return false, err
	}

	raw, _, err := s.dialer.DialContext(ctx, url, header)
	if err != nil {
		return false, fmt.Errorf("%w: dial %s: %v", contracts.ErrTransport, s.proto.Name(), err)
	}
	c := &wsConn{conn: raw}
	defer c.close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-stop:
		}
	}()

	s.setState(realtime.StateAuthenticating)
	_ = raw.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := s.proto.handshake(ctx, c); err != nil {
		return false, err
	}
	_ = raw.SetReadDeadline(time.Time{})

	backoff.Reset()

	// the connection goes live and the symbol set is captured in one step, so a
	// concurrent Subscribe either lands in this snapshot or sends on its own
	s.mu.Lock()
	if !s.connectedAt.IsZero() {
		s.reconnects++
	}
	s.connectedAt = s.now()
	s.conn = c
	s.state = realtime.StateSubscribed
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()
	defer s.clearConn(c)
	sort.Strings(symbols)

	// re-issue everything, including option contracts, so callers never resubscribe
	if len(symbols) > 0 {
		if err := s.proto.subscribe(c, symbols); err != nil {
			return true, fmt.Errorf("%w: resubscribe: %v", contracts.ErrTransport, err)
		}
	}
	s.logger.WithField("subscriptions", len(symbols)).Info("Live feed connected")

	if s.opts.KeepAlive > 0 {
		go s.keepaliveLoop(c, stop)
	}

	for {
		msg, err := c.read()
		if err != nil {
			return true, fmt.Errorf("%w: read %s: %v", contracts.ErrTransport, s.proto.Name(), err)
		}

		s.lastMessage.Store(s.now().UnixNano())
		s.messages.Add(1)
		if s.State() == realtime.StateSubscribed {
			s.setState(realtime.StateReceiving)
		}

		if err := s.proto.handle(c, msg, s); err != nil {
			if errors.Is(err, contracts.ErrAuth) {
				return true, err
			}
			s.logger.WithError(err).Debug("Dropped malformed frame")
		}
	}
}

func (s *Session) keepaliveLoop(c *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.proto.keepalive(c); err != nil {
				s.logger.WithError(err).Debug("Keepalive failed")
			}
		}
	}
}

func (s *Session) onQuote(symbol string, bid, ask float64) {
	if s.quotes.UpdateQuote(symbol, bid, ask, s.now(), s.proto.Source()) {
		s.notify(symbol)
	}
}

func (s *Session) onTrade(symbol string, last float64, volume int64) {
	if s.quotes.UpdateTrade(symbol, last, volume, s.now(), s.proto.Source()) {
		s.notify(symbol)
	}
}

func (s *Session) onGreeks(symbol string, g contracts.Greeks, iv, theo float64) {
	if s.greeks == nil {
		return
	}
	s.greeks.Update(realtime.GreeksSnapshot{
		Symbol:    symbol,
		Greeks:    g,
		IV:        iv,
		TheoPrice: theo,
		Timestamp: s.now(),
		Source:    s.proto.Source(),
	})
}

func (s *Session) notify(symbol string) {
	if s.pending == nil {
		return
	}
	if q, ok := s.quotes.Get(symbol); ok {
		s.pending.fulfill(symbol, q)
	}
}

// addSymbols adds (or removes) canonical symbols and returns those that changed
func (s *Session) addSymbols(symbols []string, add bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, raw := range symbols {
		sym := contracts.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		_, present := s.symbols[sym]
		switch {
		case add && !present:
			s.symbols[sym] = struct{}{}
			changed = append(changed, sym)
		case !add && present:
			delete(s.symbols, sym)
			changed = append(changed, sym)
		}
	}
	return changed
}

func (s *Session) liveConn() *wsConn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != realtime.StateSubscribed && s.state != realtime.StateReceiving {
		return nil
	}
	return s.conn
}

func (s *Session) clearConn(c *wsConn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Session) setState(st realtime.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
