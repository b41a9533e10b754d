// Package ratelimit spaces outbound catalog requests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter blocks until the caller may issue one request.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Window allows n operations per window, spread evenly across it.
// Callers are admitted in the order they called Wait.
type Window struct {
	limiter *rate.Limiter
}

// New creates a limiter admitting n operations per window.
func New(n int, window time.Duration) (*Window, error) {
	if n <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid rate %d per %s", n, window)
	}
	return &Window{limiter: rate.NewLimiter(rate.Every(window/time.Duration(n)), 1)}, nil
}

// PerMinute is New(n, time.Minute).
func PerMinute(n int) (*Window, error) {
	return New(n, time.Minute)
}

// Wait suspends until a slot is free. It fails only when ctx is done
// or would expire before the slot opens.
func (w *Window) Wait(ctx context.Context) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limit: %w", err)
	}
	return nil
}

type unlimited struct{}

func (unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}

// Unlimited returns a Limiter that never blocks.
func Unlimited() Limiter {
	return unlimited{}
}
