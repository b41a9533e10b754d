// Package notify renders release digests and delivers them to notification
// channels, recording per-channel delivery in the store.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"audiotracker/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Channel delivers one digest to one destination.
type Channel interface {
	Name() string
	// MaxItems caps the releases listed in one digest. Zero means no cap.
	MaxItems() int
	Send(ctx context.Context, d Digest) error
}

// Error codes attached to a DeliveryError.
const (
	ErrorCodeInvalidConfig    = "INVALID_CONFIG"
	ErrorCodeConnectionFailed = "CONNECTION_FAILED"
	ErrorCodeAuthFailed       = "AUTH_FAILED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeContentTooLarge  = "CONTENT_TOO_LARGE"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeServerError      = "SERVER_ERROR"
	ErrorCodeRejected         = "REJECTED"
)

// DeliveryError describes a failed send.
type DeliveryError struct {
	Channel    string
	Code       string
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Channel, e.Code, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a send that failed with err may succeed
// later. A DeliveryError decides for itself; other errors are treated as
// network failures unless they are a cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}
	return !errors.Is(err, context.Canceled)
}

// classifyHTTPStatus maps a response status to an error code and whether
// the failure is worth retrying.
func classifyHTTPStatus(code int) (string, bool) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorCodeAuthFailed, false
	case code == http.StatusNotFound:
		return ErrorCodeNotFound, false
	case code == http.StatusTooManyRequests:
		return ErrorCodeRateLimited, true
	case code == http.StatusRequestEntityTooLarge:
		return ErrorCodeContentTooLarge, false
	case code >= 500:
		return ErrorCodeServerError, true
	}
	return ErrorCodeRejected, false
}

func statusError(channel string, resp *http.Response) *DeliveryError {
	code, transient := classifyHTTPStatus(resp.StatusCode)
	return &DeliveryError{
		Channel:    channel,
		Code:       code,
		Transient:  transient,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}

func connectionError(channel string, err error) *DeliveryError {
	return &DeliveryError{Channel: channel, Code: ErrorCodeConnectionFailed, Transient: true, Err: err}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
		return d
	}
	return 0
}

// Digest is one message's worth of releases.
type Digest struct {
	Books   []model.Audiobook
	Omitted int
}

// NewDigest lists at most maxItems books and counts the rest as omitted.
func NewDigest(books []model.Audiobook, maxItems int) Digest {
	if maxItems <= 0 || len(books) <= maxItems {
		return Digest{Books: books}
	}
	return Digest{Books: books[:maxItems], Omitted: len(books) - maxItems}
}

// Total is the number of releases the digest stands for.
func (d Digest) Total() int {
	return len(d.Books) + d.Omitted
}
