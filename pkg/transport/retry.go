package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "export_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Defaults for the tenant API retry policy.
const (
	DefaultMaxAttempts   = 4
	DefaultWait          = 30 * time.Second
	DefaultRetryAfter    = 60 * time.Second
	MaxRetryAfter        = 300 * time.Second
	defaultRetryMultiple = 1.0
)

// RetryPolicy controls how Client.Do retries a request.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff.
	MaxBackoff time.Duration

	// Multiplier grows the backoff between retries. 1 keeps it fixed.
	Multiplier float64

	// Retryable decides whether an attempt's error is retried.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries 5xx, 429 and network errors four times in
// total with a fixed 30s wait. 429 waits honour Retry-After instead.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultWait,
		MaxBackoff:     MaxRetryAfter,
		Multiplier:     defaultRetryMultiple,
		Retryable:      IsRetryable,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = defaultRetryMultiple
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	return p
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the default SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
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

// retryAfterError carries a server-requested wait for the next attempt.
type retryAfterError struct {
	wait time.Duration
	err  error
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// RetryWithBackoff runs fn until it succeeds, returns a non-retryable error,
// or the policy's attempts are used up. A wait requested by the server
// (retryAfterError) replaces the computed backoff for that attempt.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, sleep SleepFunc, logger zerolog.Logger, fn func(attempt int) error) error {
	policy = policy.withDefaults()

	var lastErr error
	backoff := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class := ClassOf(err)

		if !policy.Retryable(err) {
			return unwrapRetryAfter(err)
		}

		if attempt >= policy.MaxAttempts {
			break
		}

		wait := backoff
		var ra *retryAfterError
		if errors.As(err, &ra) {
			wait = ra.wait
		}

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("wait_time", wait).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, wait); err != nil {
			logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	class := ClassOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(class)).Inc()
	logger.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, policy.MaxAttempts, unwrapRetryAfter(lastErr))
}

func unwrapRetryAfter(err error) error {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.err
	}
	return err
}
