package execution

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bundles the retry envelope's tunables, named to match the
// configuration surface: BaseDelay is the wait before the first retry,
// Multiplier scales it per subsequent attempt, MaxDelay caps it.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryConfig: two retries (three total attempts), 200ms base
// delay doubling each attempt, capped at 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   5 * time.Second,
	}
}

// newBackOff builds a fresh cenkalti/backoff exponential policy for one
// request's retry envelope: ±20% randomization gives the required
// jitter, and the base/multiplier/cap map directly onto
// baseDelay·multiplier^(attempt-1) capped by maxRetryDelay. The caller
// owns the attempt count (MaxRetries); elapsed-time cutoff is disabled
// here since the request-level timeout already bounds total duration.
func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxDelay
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
