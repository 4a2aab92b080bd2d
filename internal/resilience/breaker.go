package resilience

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned when a call is short-circuited because the
// breaker is open; the underlying operation is not attempted.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker is a three-state circuit breaker owned by exactly one caller
// (one per bus stream, one per exchange endpoint). It trips after a run
// of consecutive failures and probes a single call once the recovery
// timeout elapses.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and transitions to half-open after recoveryTimeout.
func NewBreaker(name string, threshold uint32, recoveryTimeout time.Duration) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the breaker is open (or the
// half-open probe slot is taken) it fails fast with ErrBreakerOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// State returns the current breaker state as a string (closed, half-open, open).
func (b *Breaker) State() string { return b.cb.State().String() }

// Open reports whether the breaker is currently failing fast.
func (b *Breaker) Open() bool { return b.cb.State() == gobreaker.StateOpen }
