package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0; delay varies by +/- this fraction
}

// DefaultConfig returns defaults for metadata-store operations:
// 3 retries with 100ms initial delay, capped at 5s, doubling each time, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// EngineConfig returns the policy for live data source connections: a single retry
// after base, no jitter so timing stays predictable inside the query timeout.
func EngineConfig(base time.Duration) *Config {
	return &Config{
		MaxRetries:   1,
		InitialDelay: base,
		MaxDelay:     4 * base,
		Multiplier:   2.0,
	}
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// wait sleeps for the current delay and returns the next one, or ctx.Err().
func (c *Config) wait(ctx context.Context, delay time.Duration) (time.Duration, error) {
	timer := time.NewTimer(applyJitter(delay, c.JitterFactor))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return delay, ctx.Err()
	}

	next := time.Duration(float64(delay) * c.Multiplier)
	if c.MaxDelay > 0 && next > c.MaxDelay {
		next = c.MaxDelay
	}
	return next, nil
}

// Do executes fn with exponential backoff, retrying every error.
// Returns nil on success, or the last error after all retries are exhausted.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, _, err := run(ctx, cfg, func() (struct{}, error) { return struct{}{}, fn() }, func(error) bool { return true })
	return err
}

// DoWithResult is Do for functions that return a value (pool construction, lookups).
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	r, _, err := run(ctx, cfg, fn, func(error) bool { return true })
	return r, err
}

// DoIfRetryable retries only transient errors; permanent ones (bad SQL, auth) return at once.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	_, _, err := run(ctx, cfg, func() (struct{}, error) { return struct{}{}, fn() }, IsRetryable)
	return err
}

// DoIfRetryableWithResult is DoIfRetryable for functions that return a value.
// It also reports how many attempts were made.
func DoIfRetryableWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, int, error) {
	return run(ctx, cfg, fn, IsRetryable)
}

func run[T any](ctx context.Context, cfg *Config, fn func() (T, error), shouldRetry func(error) bool) (T, int, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		result  T
		lastErr error
		delay   = cfg.InitialDelay
	)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, attempt + 1, nil
		}
		result, lastErr = r, err

		if !shouldRetry(err) || attempt == cfg.MaxRetries {
			return result, attempt + 1, lastErr
		}

		var waitErr error
		if delay, waitErr = cfg.wait(ctx, delay); waitErr != nil {
			return result, attempt + 1, waitErr
		}
	}

	return result, cfg.MaxRetries + 1, lastErr
}

// RetryableError is implemented by errors that know whether they are transient.
// Adapter connection and syntax errors implement it.
type RetryableError interface {
	error
	IsRetryable() bool
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"deadlock",
	"network is unreachable",
	"server closed the connection",
	"429",
	"502",
	"503",
	"504",
	"service unavailable",
	"too many requests",
}

// IsRetryable reports whether err is transient. Errors implementing RetryableError decide
// for themselves; context cancellation is never retried; anything else is matched against
// known transient failure messages.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
