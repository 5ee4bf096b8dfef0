package core

import (
	"context"
	"time"
)

// CircuitBreaker protects a downstream dependency from cascading
// failures by tracking consecutive failures and short-circuiting calls
// once a threshold is crossed. Implementations follow the three-state
// machine: Closed (pass requests, count failures), Open (reject
// immediately until the recovery timeout elapses), Half-Open (admit a
// single trial request to decide whether to close or reopen).
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. If the circuit is
	// open it returns ErrCircuitOpen without calling fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout additionally bounds fn's runtime.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns "closed", "open", or "half-open".
	GetState() string

	// GetMetrics returns a snapshot of counters for observability.
	GetMetrics() map[string]interface{}

	// Reset forces the circuit back to Closed and clears counters.
	Reset()

	// CanExecute reports whether a call would currently be admitted,
	// without actually executing anything.
	CanExecute() bool
}

// CircuitBreakerConfig configures a CircuitBreaker implementation.
type CircuitBreakerConfig struct {
	Enabled          bool
	Threshold        int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time Open holds before allowing a trial
	HalfOpenRequests int           // trial slots admitted while Half-Open (this spec uses exactly 1)
}

// DefaultCircuitBreakerConfig mirrors the defaults named in the health
// store design: threshold 5, 60s recovery, a single half-open trial.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		Threshold:        5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenRequests: 1,
	}
}
