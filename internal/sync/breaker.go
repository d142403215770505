package sync

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tonimelisma/fieldsync/internal/retry"
)

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// errBreakerOpen is returned by breaker.do when the call was not attempted.
var errBreakerOpen = errors.New("sync: circuit breaker open")

// breaker stops a pass from hammering a backend that keeps failing. Only
// transient failures count: a validation rejection says nothing about
// backend health.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}

	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}

	return &breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) //nolint:gosec // threshold is positive
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !retry.Classify(err).Class.Retryable()
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				breakerOpen.Set(boolGauge(to == gobreaker.StateOpen))
				logger.Warn("circuit breaker state changed",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

// open reports whether calls are currently being rejected.
func (b *breaker) open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// do runs fn through the breaker. It returns errBreakerOpen without calling
// fn when the breaker is open or a half-open probe is already running.
func (b *breaker) do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errBreakerOpen
	}

	return err
}
