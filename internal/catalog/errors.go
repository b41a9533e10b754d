package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrRateExceeded is wrapped by a StatusError for HTTP 429.
	ErrRateExceeded = errors.New("catalog rate limit exceeded")
	// ErrMalformedRecord marks a product that cannot be normalized.
	ErrMalformedRecord = errors.New("malformed catalog record")
	// ErrMalformedResponse marks a body that is not a catalog response.
	ErrMalformedResponse = errors.New("malformed catalog response")
	// ErrUnavailable is returned when every page of a search failed.
	ErrUnavailable = errors.New("catalog unavailable")
	// ErrInvalidField is returned for an unsupported search field.
	ErrInvalidField = errors.New("invalid search field")
)

// StatusError is a non-200 catalog response.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests {
		return ErrRateExceeded
	}
	return nil
}

// IsTransient reports whether a request that failed with err may succeed
// when retried: network failures, request timeouts, 429 and 5xx.
// Callers check their own context before retrying; a deadline seen here
// is taken to be the per-request timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrMalformedRecord) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
