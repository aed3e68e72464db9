package contracts

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by providers, feeds and the scan pipeline.
// Check with errors.Is; wrap with fmt.Errorf("...: %w", err).
var (
	// ErrTransport is a socket, DNS or TLS failure. Retried with backoff.
	ErrTransport = errors.New("transport error")

	// ErrAuth is a rejected credential or session. Fatal for the current attempt.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimited is a 429 that survived the retry budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound is a 404 or an empty provider answer.
	ErrNotFound = errors.New("not found")

	// ErrDataValidation marks missing or non-finite provider data. The item is skipped.
	ErrDataValidation = errors.New("invalid data")

	// ErrTimeout bounds a single call.
	ErrTimeout = errors.New("timeout")

	// ErrThrottled is a call that never reached the provider: the local rate budget or
	// the caller's deadline ran out first. It wraps ErrTimeout but is not held against
	// the provider's circuit.
	ErrThrottled = errors.New("throttled locally")

	// ErrUnavailable means no provider in a chain could answer.
	ErrUnavailable = errors.New("unavailable")
)

// ProviderError carries which provider failed and whether retrying elsewhere helps
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err with provider context
func NewProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// IsAvailabilityError reports whether err means the provider could not answer,
// as opposed to answering "nothing here"
func IsAvailabilityError(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}
