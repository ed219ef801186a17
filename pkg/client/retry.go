package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RetryPolicy holds the configuration for retry logic. All timing goes
// through Sleep and Rand so the policy can be exercised without real delays.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the backoff before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the relative randomness applied to each backoff (0.2 = ±20%).
	Jitter float64

	// RateLimitFloor is the minimum wait after a 429 without a Retry-After header.
	RateLimitFloor time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to retrying TransientError only.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a float in [0, 1). Defaults to math/rand.
	Rand func() float64

	Logger *zerolog.Logger
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        16 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		RateLimitFloor:    2 * time.Second,
	}
}

// withDefaults fills unset fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = def.Jitter
	}
	if p.Retryable == nil {
		p.Retryable = isRetryable
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	if p.Logger == nil {
		l := log.With().Str("component", "retry").Logger()
		p.Logger = &l
	}
	return p
}

// Backoff returns the un-jittered wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
		if backoff >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if time.Duration(backoff) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// jittered applies ±Jitter randomness to d.
func (p RetryPolicy) jittered(d time.Duration) time.Duration {
	if p.Jitter == 0 || d == 0 {
		return d
	}
	factor := 1 - p.Jitter + p.Rand()*2*p.Jitter
	return time.Duration(float64(d) * factor)
}

// wait computes the wait before the next attempt, honoring rate-limit hints.
func (p RetryPolicy) wait(attempt int, err error) time.Duration {
	d := p.jittered(p.Backoff(attempt))

	var te *TransientError
	if errors.As(err, &te) && te.ErrorClass == ErrorClassRateLimit {
		floor := p.RateLimitFloor
		if te.RetryAfter > 0 {
			floor = time.Duration(te.RetryAfter) * time.Second
		}
		if d < floor {
			d = floor
		}
	}
	return d
}

// Do executes fn with exponential backoff retry. fn receives the 1-based
// attempt number. Non-retryable errors are returned unchanged; a retryable
// error on the final attempt is wrapped in ExhaustedRetriesError.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	p = p.withDefaults()
	logger := p.Logger

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
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

		if !p.Retryable(err) {
			return err
		}

		errClass := classOf(err)

		// If this was the last attempt, don't wait
		if attempt >= p.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(errClass)).Inc()

		backoff := p.wait(attempt, err)
		retryBackoffSeconds.WithLabelValues(string(errClass)).Observe(backoff.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := p.Sleep(ctx, backoff); err != nil {
			logger.Warn().
				Str("error_class", string(errClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	errClass := classOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(errClass)).Inc()
	logger.Warn().
		Str("error_class", string(errClass)).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &ExhaustedRetriesError{Attempts: p.MaxAttempts, Last: lastErr}
}

// classOf extracts the error class for metrics labels.
func classOf(err error) ErrorClass {
	var te *TransientError
	if errors.As(err, &te) {
		return te.ErrorClass
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.ErrorClass
	}
	return ErrorClassNetwork
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
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
