package fetch

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultJitterFactor   = 0.1
)

// RetryOptions is the caller-supplied retry policy.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryIf decides whether err is worth retrying. Nil means IsRetryable.
	RetryIf func(err error) bool
	// Delay returns the wait before retry number attempt (1-based). Nil
	// means the default backoff.
	Delay func(attempt int) time.Duration
}

// DefaultRetry returns bounded exponential backoff with jitter.
func DefaultRetry() RetryOptions {
	b := DefaultBackoff()
	return RetryOptions{MaxRetries: DefaultMaxRetries, RetryIf: IsRetryable, Delay: b.Delay}
}

// NoRetry disables retries.
func NoRetry() RetryOptions { return RetryOptions{} }

func (r RetryOptions) shouldRetry(err error) bool {
	if r.RetryIf == nil {
		return IsRetryable(err)
	}
	return r.RetryIf(err)
}

func (r RetryOptions) delay(attempt int) time.Duration {
	if r.Delay == nil {
		return DefaultBackoff().Delay(attempt)
	}
	return r.Delay(attempt)
}

// Backoff is exponential backoff with multiplicative jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultBackoff returns backoff with sensible defaults
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: DefaultInitialBackoff,
		Max:     DefaultMaxBackoff,
		Factor:  DefaultBackoffFactor,
		Jitter:  DefaultJitterFactor,
	}
}

// Delay computes the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	d += d * b.Jitter * (2*rand.Float64() - 1)
	if d < 0 {
		d = float64(b.Initial)
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
