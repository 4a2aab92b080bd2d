package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := policy.Do(context.Background(), "flaky", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySurfacesLastErrorAfterExhaustion(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
	}

	sentinel := errors.New("still broken")
	calls := 0
	err := policy.Do(context.Background(), "broken", func(context.Context) error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	fatal := errors.New("validation failure")
	policy := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		Retriable:    func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := policy.Do(context.Background(), "fatal", func(context.Context) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDelayBoundsWithJitter(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	// Expected bare delays: 100ms, 200ms, 400ms, 800ms, capped 1s.
	// With +/-25% jitter each sample stays within [0.75, 1.25] of the base.
	for attempt := 0; attempt < 5; attempt++ {
		base := float64(100*time.Millisecond) * 1
		for i := 0; i < attempt; i++ {
			base *= 2
		}
		if base > float64(time.Second) {
			base = float64(time.Second)
		}
		for i := 0; i < 50; i++ {
			d := policy.delayFor(attempt)
			assert.GreaterOrEqual(t, float64(d), base*0.75, "attempt %d", attempt)
			assert.LessOrEqual(t, float64(d), base*1.25, "attempt %d", attempt)
		}
	}
}

func TestDelayMonotoneWithoutJitter(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		d := policy.delayFor(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: time.Hour,
		Multiplier:   2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := policy.Do(ctx, "slow", func(context.Context) error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
