package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	Attempts       int           // Maximum number of attempts, at least 1
	InitialBackoff time.Duration // Wait before the second attempt
	MaxBackoff     time.Duration // Upper bound for a single wait
	Multiplier     float64       // Backoff multiplier (e.g., 2.0 for doubling)
	JitterFactor   float64       // Jitter factor (0.0-1.0)
}

// DefaultRetryConfig returns the default retry configuration:
// three attempts separated by 1s and 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0,
	}
}

// NoRetry returns a config that makes exactly one attempt.
func NoRetry() RetryConfig {
	return RetryConfig{Attempts: 1}
}

// normalized fills zero fields with defaults.
func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	return c
}

// retryer tracks attempts for one logical request.
type retryer struct {
	config  RetryConfig
	attempt int
	backoff *backoff.ExponentialBackOff
	sleep   func(ctx context.Context, d time.Duration) error
}

// newRetryer creates a new retryer.
func newRetryer(config RetryConfig, sleep func(context.Context, time.Duration) error) *retryer {
	config = config.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialBackoff
	b.MaxInterval = config.MaxBackoff
	b.Multiplier = config.Multiplier
	b.RandomizationFactor = config.JitterFactor
	b.Reset()

	if sleep == nil {
		sleep = sleepContext
	}
	return &retryer{config: config, backoff: b, sleep: sleep}
}

// Next starts a new attempt and reports whether one is still allowed.
func (r *retryer) Next() bool {
	if r.attempt >= r.config.Attempts {
		return false
	}
	r.attempt++
	return true
}

// Attempt returns the current attempt number (1-indexed).
func (r *retryer) Attempt() int {
	return r.attempt
}

// Last reports whether the current attempt is the final one.
func (r *retryer) Last() bool {
	return r.attempt >= r.config.Attempts
}

// NextBackoff returns the wait before the next attempt: InitialBackoff * Multiplier^(attempt-1).
func (r *retryer) NextBackoff() time.Duration {
	return r.backoff.NextBackOff()
}

// Wait waits for the next backoff duration or until context is cancelled.
func (r *retryer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.sleep(ctx, r.NextBackoff())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

