package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/httputil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", &httputil.HTTPError{StatusCode: http.StatusNotFound}, contracts.ErrNotFound},
		{"unauthorized", &httputil.HTTPError{StatusCode: http.StatusUnauthorized}, contracts.ErrAuth},
		{"forbidden", &httputil.HTTPError{StatusCode: http.StatusForbidden}, contracts.ErrAuth},
		{"rate limited", &httputil.HTTPError{StatusCode: http.StatusTooManyRequests}, contracts.ErrRateLimited},
		{"bad gateway", &httputil.HTTPError{StatusCode: http.StatusBadGateway}, contracts.ErrUnavailable},
		{"bad request", &httputil.HTTPError{StatusCode: http.StatusBadRequest}, contracts.ErrDataValidation},
		{"timeout", &httputil.TransportError{Err: errors.New("slow"), Timeout: true}, contracts.ErrTimeout},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), contracts.ErrTimeout},
		{"transport", &httputil.TransportError{Err: errors.New("connection reset")}, contracts.ErrTransport},
		{"limiter wait", &httputil.TransportError{Err: fmt.Errorf("%w: would exceed deadline", httputil.ErrLimiterWait), Timeout: true, Local: true}, contracts.ErrThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("polygon", "chain", tt.err)
			if !errors.Is(err, tt.want) {
				t.Errorf("Classify() = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, tt.err) && !errors.Is(tt.err, context.DeadlineExceeded) {
				t.Errorf("Classify() lost the original error")
			}
			var pe *contracts.ProviderError
			if !errors.As(err, &pe) || pe.Provider != "polygon" || pe.Op != "chain" {
				t.Errorf("Classify() = %#v, want ProviderError", err)
			}
		})
	}

	if Classify("x", "y", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestLocalWaitIsThrottledTimeout(t *testing.T) {
	err := Classify("polygon", "chain", &httputil.TransportError{
		Err:     fmt.Errorf("%w: would exceed deadline", httputil.ErrLimiterWait),
		Timeout: true,
		Local:   true,
	})
	if !errors.Is(err, contracts.ErrThrottled) || !errors.Is(err, contracts.ErrTimeout) {
		t.Errorf("Classify() = %v, want throttled timeout", err)
	}
	if !contracts.IsAvailabilityError(err) {
		t.Error("a throttled call should still fall through to the next provider")
	}

	err = Classify("polygon", "chain", &httputil.TransportError{Err: context.Canceled, Local: true})
	if !errors.Is(err, context.Canceled) || errors.Is(err, contracts.ErrThrottled) {
		t.Errorf("Classify() = %v, want plain cancellation", err)
	}
}

func TestNotFoundIsNotAvailabilityError(t *testing.T) {
	err := Classify("yahoo", "chart", &httputil.HTTPError{StatusCode: http.StatusNotFound})
	if contracts.IsAvailabilityError(err) {
		t.Error("404 must not count against provider availability")
	}
	err = Classify("yahoo", "chart", &httputil.HTTPError{StatusCode: http.StatusServiceUnavailable})
	if !contracts.IsAvailabilityError(err) {
		t.Error("503 should count against provider availability")
	}
}
