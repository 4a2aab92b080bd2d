// Package resilience provides the retry policy and circuit breakers that
// wrap every outbound call to the exchange, the bus, and the object store.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy retries an operation with exponential backoff and optional
// uniform ±25% jitter. A nil Retriable treats every error as retriable.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	Retriable    func(error) bool
}

// DefaultRetryPolicy matches the transport defaults used across the
// pipeline: 3 attempts, 1s initial delay doubling up to 60s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs op until it succeeds, a non-retriable error surfaces, or the
// attempt budget is exhausted. The last error is returned after exhaustion.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retriable != nil && !p.Retriable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.delayFor(attempt)
		log.Warn().Str("op", name).Int("attempt", attempt+1).Int("max_attempts", attempts).
			Dur("delay", delay).Err(lastErr).Msg("Retrying after failure")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

// delayFor computes the backoff before attempt+1: min(max, initial *
// multiplier^attempt), perturbed by ±25% when jitter is on.
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}
	if p.Jitter {
		base += base * 0.25 * (2*rand.Float64() - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
