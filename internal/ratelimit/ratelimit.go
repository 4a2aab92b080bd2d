// Package ratelimit paces outbound exchange requests with a token bucket
// sized in requests per minute. The bucket holds one minute's worth of
// tokens, so a cold start may burst up to the per-minute budget but the
// sustained rate never exceeds it.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter wraps a token bucket refilled at rate/60 tokens per second
// with burst = rate.
type Limiter struct {
	limiter   *rate.Limiter
	perMinute int
	acquired  atomic.Int64
}

// New creates a limiter for the given requests-per-minute budget.
func New(perMinute int) (*Limiter, error) {
	if perMinute <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %d", perMinute)
	}
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		perMinute: perMinute,
	}, nil
}

// Acquire blocks until a token is available or the context is cancelled.
// The caller always eventually proceeds; there is no failure mode beyond
// cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	l.acquired.Add(1)
	return nil
}

// Rate returns the configured requests-per-minute budget.
func (l *Limiter) Rate() int { return l.perMinute }

// Acquired returns the total number of tokens handed out.
func (l *Limiter) Acquired() int64 { return l.acquired.Load() }
