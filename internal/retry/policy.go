package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 8 * time.Second
	DefaultMaxAttempts    = 3
	DefaultJitterFraction = 0.2

	// maxShift keeps base << shift from overflowing int64 nanoseconds.
	maxShift = 32
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy is an exponential backoff policy with a cap and symmetric jitter:
//
//	delay = min(MaxDelay, BaseDelay * 2^(attempts-1)) +- JitterFraction
//
// clamped to [0, MaxDelay].
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		MaxAttempts:    DefaultMaxAttempts,
		JitterFraction: DefaultJitterFraction,
	}
}

// Decide returns whether an operation that has now failed `attempts` times
// (including the attempt that just failed) with the given class should be
// retried, and after how long. Non-retryable classes never retry, whatever
// the attempt count.
func (p Policy) Decide(attempts int, class Class) Decision {
	if !class.Retryable() || attempts >= p.MaxAttempts {
		return Decision{}
	}

	return Decision{Retry: true, Delay: p.jitter(p.Backoff(attempts))}
}

// DecideError is Decide for a classified error. A server-supplied
// Retry-After extends the delay, still bounded by MaxDelay.
func (p Policy) DecideError(attempts int, err *ClassifiedError) Decision {
	class := ClassUnknown
	if err != nil {
		class = err.Class
	}

	d := p.Decide(attempts, class)
	if d.Retry && err.RetryAfter > d.Delay {
		d.Delay = min(err.RetryAfter, p.MaxDelay)
	}

	return d
}

// Backoff returns the un-jittered delay after the given number of failed
// attempts. It is non-decreasing in attempts and never exceeds MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}

	if shift > maxShift {
		return p.MaxDelay
	}

	d := p.BaseDelay << uint(shift)
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}

	return d
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}

	r := p.Rand
	if r == nil {
		r = rand.Float64
	}

	j := time.Duration(float64(d) * p.JitterFraction * (r()*2 - 1))
	d += j

	return max(0, min(d, p.MaxDelay))
}

// Sleep waits for d or until ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
