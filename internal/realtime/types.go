package realtime

import (
	"time"

	"github.com/grahams11/finguru/internal/contracts"
)

// GreeksSnapshot is provider-streamed Greeks for one contract
// ⭐ SSOT: streamed Greeks are decoded into this shape at the feed boundary
type GreeksSnapshot struct {
	Symbol    string           `json:"symbol"` // canonical OCC
	Greeks    contracts.Greeks `json:"greeks"`
	IV        float64          `json:"iv"`
	TheoPrice float64          `json:"theo_price"`
	Timestamp time.Time        `json:"timestamp"`
	Source    contracts.Source `json:"source"`
}

// State is a feed connection's lifecycle position
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateReceiving
	StateReconnecting
	StateUnavailable // gave up after repeated auth failures
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateReceiving:
		return "receiving"
	case StateReconnecting:
		return "reconnecting"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FeedHealth is an advisory snapshot; it never triggers reconnects by itself
type FeedHealth struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	Healthy       bool      `json:"healthy"`
	LastMessageAt time.Time `json:"last_message_at"`
	ConnectedAt   time.Time `json:"connected_at"`
	Reconnects    int       `json:"reconnects"`
	AuthFailures  int       `json:"auth_failures"`
	Subscriptions int       `json:"subscriptions"`
	Messages      int64     `json:"messages"`
	LastError     string    `json:"last_error,omitempty"`
}
