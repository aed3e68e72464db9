// Package external holds the REST provider clients. Every call goes through the shared
// rate-limited fetcher and every failure leaves this layer classified into the
// contracts error taxonomy.
package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/pkg/httputil"
)

// Classify wraps a fetcher error as a ProviderError carrying the matching sentinel
func Classify(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return contracts.NewProviderError(provider, op, classify(err))
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case httputil.IsLocal(err):
		return wrap(contracts.ErrTimeout, wrap(contracts.ErrThrottled, err))
	case errors.Is(err, context.DeadlineExceeded), httputil.IsTimeout(err):
		return wrap(contracts.ErrTimeout, err)
	case httputil.IsNotFound(err):
		return wrap(contracts.ErrNotFound, err)
	case httputil.IsUnauthorized(err):
		return wrap(contracts.ErrAuth, err)
	case httputil.IsRateLimited(err):
		return wrap(contracts.ErrRateLimited, err)
	case httputil.IsTransport(err):
		return wrap(contracts.ErrTransport, err)
	case httputil.StatusCode(err) >= http.StatusInternalServerError:
		return wrap(contracts.ErrUnavailable, err)
	case httputil.StatusCode(err) > 0:
		return wrap(contracts.ErrDataValidation, err)
	default:
		return err
	}
}

func wrap(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
