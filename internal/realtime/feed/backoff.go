package feed

import "time"

// Backoff yields reconnect delays that double from initial up to max.
// Owned by one session goroutine; not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff starting at initial and capped at max
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait now and advances the sequence
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset restarts the sequence after a successful connect
func (b *Backoff) Reset() {
	b.current = b.initial
}
