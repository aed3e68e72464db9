package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
)

// ErrBreakerOpen is returned without calling a provider whose breaker is open
var ErrBreakerOpen = fmt.Errorf("%w: circuit open", contracts.ErrUnavailable)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig sizes every breaker in a set
type BreakerConfig struct {
	Threshold int           // consecutive availability failures before opening
	Cooldown  time.Duration // time open before one probe is let through
}

// Breaker stops calling a provider after repeated availability failures.
// "Not found" answers count as success: the provider responded.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: now}
}

// Allow reports whether a call may proceed; in half-open only one probe is in flight
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Record feeds a call outcome back into the breaker
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch {
	case neutral(err):
		return
	case !contracts.IsAvailabilityError(err):
		b.state = breakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.cfg.Threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// neutral outcomes say nothing about the provider: the caller gave up, or the local
// limiter never let the request out. A half-open breaker stays half-open.
func neutral(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, contracts.ErrThrottled):
		return true
	default:
		// a bare deadline is the caller's; a provider that was too slow is classified ErrTimeout
		return errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, contracts.ErrTimeout)
	}
}

// State returns closed, open or half_open
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// BreakerSet holds one breaker per provider name
// ⭐ SSOT: provider circuit state lives here only
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
	now      func() time.Time
}

// NewBreakerSet creates an empty set
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker), now: time.Now}
}

// For returns the provider's breaker, creating it closed
func (s *BreakerSet) For(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[provider]
	if !ok {
		b = newBreaker(s.cfg, s.now)
		s.breakers[provider] = b
	}
	return b
}

// Snapshot returns each provider's state, sorted by name
func (s *BreakerSet) Snapshot() []BreakerStatus {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]BreakerStatus, 0, len(names))
	for _, name := range names {
		out = append(out, BreakerStatus{Provider: name, State: s.For(name).State()})
	}
	return out
}

// BreakerStatus is one provider's circuit state
type BreakerStatus struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
}

// call runs fn under the provider's breaker
func call[T any](s *BreakerSet, provider string, fn func() (T, error)) (T, error) {
	var zero T
	b := s.For(provider)
	if !b.Allow() {
		return zero, contracts.NewProviderError(provider, "call", ErrBreakerOpen)
	}
	v, err := fn()
	b.Record(err)
	return v, err
}
