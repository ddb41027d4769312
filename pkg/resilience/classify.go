package resilience

import (
	"context"
	"errors"
	"net/http"

	"github.com/abdhe/safegen/pkg/provider"
)

// IsServerError reports whether err is an upstream 5xx or 429, the statuses
// that count against a circuit breaker.
func IsServerError(err error) bool {
	code := provider.StatusCodeOf(err)
	return code == http.StatusTooManyRequests || code >= 500
}

// IsRateLimited reports whether err is an upstream 429.
func IsRateLimited(err error) bool {
	return provider.StatusCodeOf(err) == http.StatusTooManyRequests
}

// permanentError lets aggregate errors decide for themselves.
type permanentError interface {
	Permanent() bool
}

// IsPermanent reports whether repeating the same request cannot succeed:
// rejected credentials, unknown models, malformed parameters and cancelled
// contexts. Everything else is retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe permanentError
	if errors.As(err, &pe) {
		return pe.Permanent()
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch provider.StatusCodeOf(err) {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
