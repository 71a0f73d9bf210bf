package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Config drives Do. Zero fields fall back to the documented defaults.
type Config struct {
	MaxAttempts  int           // default 3
	BaseDelay    time.Duration // default 1s
	MaxDelay     time.Duration // default 30s
	Strategy     Strategy      // default exponential
	JitterFactor float64       // default 0.5, exponential only
	// RetryIf reports whether the error is worth another attempt. The engine
	// is policy-agnostic; callers supply the domain classification. Nil means
	// retry everything.
	RetryIf func(error) bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = 0.5
	}
	return c
}

// Delay computes the wait before the attempt following the given one.
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	switch c.Strategy {
	case StrategyFixed:
		return c.BaseDelay
	case StrategyLinear:
		d := time.Duration(attempt) * c.BaseDelay
		if d > c.MaxDelay {
			return c.MaxDelay
		}
		return d
	default:
		exp := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
		exp *= 1 + c.JitterFactor*rand.Float64()
		d := time.Duration(exp)
		if d > c.MaxDelay {
			return c.MaxDelay
		}
		return d
	}
}

// Do runs op until it succeeds, attempts are exhausted, or the error is not
// retryable. The backoff sleep respects context cancellation.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	cfg = cfg.withDefaults()
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts {
			return err
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		delay := cfg.Delay(attempt)
		slog.Warn("operation failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err.Error())
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Throttling and transient error codes returned by S3-compatible backends.
var transientAPICodes = map[string]struct{}{
	"SlowDown":             {},
	"Throttling":           {},
	"ThrottlingException":  {},
	"RequestTimeout":       {},
	"RequestLimitExceeded": {},
	"InternalError":        {},
	"ServiceUnavailable":   {},
}

// IsTransient classifies connection-level and throttling failures from the
// broker, the relational store, and object storage as retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, redis.TxFailedErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := transientAPICodes[apiErr.ErrorCode()]; ok {
			return true
		}
	}
	return false
}
