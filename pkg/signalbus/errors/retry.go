package errors

import (
	"math/rand/v2"
	"time"
)

// RetryConfig describes the redelivery schedule for a subscription.
//
// The bus does not block while retrying; it stamps each failed delivery with
// the next attempt time and a periodic tick promotes it once the time has
// elapsed. A BackoffFactor of 1.0 reproduces a fixed retry interval.
type RetryConfig struct {
	// MaxAttempts is the maximum number of delivery attempts (including
	// the first). Once reached, the delivery is dead-lettered.
	MaxAttempts int

	// InitialBackoff is the delay before the first redelivery.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between attempts.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to the delay after each
	// failed attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultRetry is the standard redelivery schedule.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry dead-letters after the first failed attempt.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// FixedRetry retries at a constant interval.
func FixedRetry(maxAttempts int, interval time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: interval,
		MaxBackoff:     interval,
		BackoffFactor:  1.0,
	}
}

// Backoff returns the delay before the given redelivery attempt.
// attempt counts completed attempts, so attempt=1 is the delay before the
// first redelivery.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := cfg.InitialBackoff
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * factor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
			break
		}
	}
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	return applyJitter(backoff, cfg.Jitter)
}

// applyJitter returns the duration with random jitter applied.
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
