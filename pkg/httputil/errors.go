package httputil

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx response that was not retried away
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// ErrLimiterWait marks a request that never left the process: the local limiter could
// not grant a slot before the caller's deadline
var ErrLimiterWait = errors.New("rate limit wait")

// TransportError is a failure before any status was received.
// Local is set when the provider was never asked, or the caller stopped waiting
// on a call another caller started.
type TransportError struct {
	URL     string
	Err     error
	Timeout bool
	Local   bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status from err, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsNotFound reports a 404
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsUnauthorized reports a 401 or 403
func IsUnauthorized(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsRateLimited reports a 429 that exhausted its retries
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// IsTimeout reports a deadline or limiter wait that ran out
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}

// IsLocal reports a failure that says nothing about the provider
func IsLocal(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Local
}

// IsTransport reports a failure with no HTTP status
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
