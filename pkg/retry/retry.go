// Package retry provides retry logic with exponential backoff for producer
// invocations.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/asyncache/asyncache/pkg/errors"
)

// Config defines retry behavior configuration.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the initial
	// one. The default of 4 yields 3 retries after the first failure.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// ShouldRetry overrides the default retry decision. It receives the
	// number of failures so far and the last error.
	ShouldRetry func(failureCount int, err error) bool `yaml:"-" json:"-"`

	// DelayFn overrides the computed backoff delay. It receives the number
	// of failures so far and the last error.
	DelayFn func(failureCount int, err error) time.Duration `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt.
	OnRetry func(failureCount int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration: three retries with
// exponential backoff from 1s doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer handles retry logic with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration, applying defaults
// for zero values.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Do executes the given function with retry logic.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context
// support. Cancellation is never retried and surfaces immediately.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodeFetchCanceled, "canceled before attempt").
				WithCause(ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		failureCount := attempt

		// Budget exhaustion wraps below; a policy rejection surfaces the
		// failure as-is.
		if attempt >= r.config.MaxAttempts {
			break
		}
		if !r.shouldRetry(failureCount, err) {
			return err
		}

		delay := r.delay(failureCount, err)
		if r.config.OnRetry != nil {
			r.config.OnRetry(failureCount, err, delay)
		}

		select {
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodeFetchCanceled, "canceled during backoff").
				WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}

	return errors.NewError(errors.ErrCodeRetryExhausted, "max retry attempts exceeded").
		WithCause(lastErr)
}

// shouldRetry determines if another attempt should be made after a failure.
func (r *Retryer) shouldRetry(failureCount int, err error) bool {
	if failureCount >= r.config.MaxAttempts {
		return false
	}

	// Cancellation is terminal regardless of policy.
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) ||
		errors.IsCanceled(err) {
		return false
	}

	if r.config.ShouldRetry != nil {
		return r.config.ShouldRetry(failureCount, err)
	}

	// An engine error may explicitly opt out of retries.
	var engineErr *errors.Error
	if stderrors.As(err, &engineErr) && !engineErr.Retryable {
		return false
	}

	return true
}

// delay computes the wait before the next attempt.
func (r *Retryer) delay(failureCount int, err error) time.Duration {
	if r.config.DelayFn != nil {
		return r.config.DelayFn(failureCount, err)
	}

	// Exponential backoff: initialDelay * multiplier^(failureCount-1)
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(failureCount-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// ±20% to avoid synchronized retries across keys
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithShouldRetry returns a new Retryer with a custom retry predicate.
func (r *Retryer) WithShouldRetry(fn func(failureCount int, err error) bool) *Retryer {
	newConfig := r.config
	newConfig.ShouldRetry = fn
	return New(newConfig)
}

// WithDelayFn returns a new Retryer with a custom delay function.
func (r *Retryer) WithDelayFn(fn func(failureCount int, err error) time.Duration) *Retryer {
	newConfig := r.config
	newConfig.DelayFn = fn
	return New(newConfig)
}
