package llm

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// jitterFraction spreads retries by up to +/-25% of the computed backoff.
const jitterFraction = 0.25

// RetryConfig is the per-call retry policy for provider requests.
type RetryConfig struct {
	// MaxAttempts counts the first try.
	MaxAttempts int

	// BackoffBase is the wait before the second attempt.
	BackoffBase time.Duration

	// BackoffMultiplier grows the wait after each failed attempt.
	BackoffMultiplier float64

	// MaxBackoff caps a single wait. Zero means uncapped.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns three attempts with 1s, 2s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// Validate rejects policies that would never call the provider or never
// wait between attempts.
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if r.BackoffBase < 0 || r.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	return nil
}

// Backoff returns the jittered wait after the given failed attempt
// (1-based).
func (r RetryConfig) Backoff(attempt int) time.Duration {
	wait := r.baseBackoff(attempt)
	jitter := float64(wait) * jitterFraction * (rand.Float64()*2 - 1)
	return wait + time.Duration(jitter)
}

func (r RetryConfig) baseBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= r.BackoffMultiplier
	}
	wait := time.Duration(float64(r.BackoffBase) * multiplier)
	if r.MaxBackoff > 0 && wait > r.MaxBackoff {
		wait = r.MaxBackoff
	}
	return wait
}
