package retry

import (
	"context"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff returns the sleep before retry n (1-based): InitialDelay *
// Multiplier^(n-1), capped by MaxDelay when set.
func (c Config) Backoff(n uint) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2
	}
	if n == 0 {
		n = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(mult, float64(n-1)))
	if c.MaxDelay > 0 && (d > c.MaxDelay || d < 0) {
		d = c.MaxDelay
	}
	return d
}

type options struct {
	retryIf func(error) bool
	onRetry func(attempt uint, err error)
}

// Option customizes a single Do call.
type Option func(*options)

// If limits retries to errors for which fn returns true.
func If(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// OnRetry is called after a failed attempt that will be retried, before the
// backoff sleep. attempt is zero-based.
func OnRetry(fn func(attempt uint, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Unrecoverable marks err so that no further attempt is made.
func Unrecoverable(err error) error {
	return retry.Unrecoverable(err)
}

// Do executes a function with exponential backoff retry. The last error is
// returned unwrapped; a cancelled context aborts the sleep and returns the
// context error.
func Do(ctx context.Context, cfg Config, fn func() error, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return cfg.Backoff(n)
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if !retry.IsRecoverable(err) {
				return false
			}
			return o.retryIf == nil || o.retryIf(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			if o.onRetry != nil && n+1 < attempts {
				o.onRetry(n, err)
			}
		}),
	)
}

// DoWithResult executes a function with exponential backoff retry and returns a result
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error), opts ...Option) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	}, opts...)
	return result, err
}
