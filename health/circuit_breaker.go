package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corelane/aipipeline/core"
)

// CircuitBreaker implements core.CircuitBreaker with a simple
// consecutive-failure state machine: Closed counts failures and opens
// at a threshold; Open rejects until the recovery timeout elapses then
// admits one Half-Open trial; that trial's outcome closes or reopens
// the circuit. State, counters and the generation counter (bumped on
// every transition) are guarded by a single mutex; the half-open trial
// slot is an atomic flag claimed with compare-and-swap.
type CircuitBreaker struct {
	name   string
	cfg    core.CircuitBreakerConfig
	clock  core.Clock
	logger core.Logger

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	openUntil        time.Time
	halfOpenInFlight int32
	generation       uint64
}

func newCircuitBreaker(name string, cfg core.CircuitBreakerConfig, clock core.Clock, logger core.Logger) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &CircuitBreaker{name: name, cfg: cfg, clock: clock, logger: logger, state: StateClosed}
}

func (cb *CircuitBreaker) currentState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CanExecute reports whether a call would be admitted right now, without
// reserving a half-open trial slot (use startCall for the real check
// immediately before the call).
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		return !cb.clock.Now().Before(cb.openUntil)
	}
	return false
}

// startCall admits or rejects a call under the breaker's mutex,
// reserving the single half-open trial slot when the recovery timeout
// has elapsed.
func (cb *CircuitBreaker) startCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if atomic.CompareAndSwapInt32(&cb.halfOpenInFlight, 0, 1) {
			return nil
		}
		return core.ErrCircuitOpen
	case StateOpen:
		if cb.clock.Now().Before(cb.openUntil) {
			return core.ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		atomic.StoreInt32(&cb.halfOpenInFlight, 1)
		return nil
	}
	return core.ErrCircuitOpen
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.generation++
	if to != StateHalfOpen {
		atomic.StoreInt32(&cb.halfOpenInFlight, 0)
	}
	cb.logger.Info("health: circuit state transition", map[string]interface{}{
		"provider": cb.name, "from": string(from), "to": string(to),
	})
}

func (cb *CircuitBreaker) completeCall(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			cb.consecutiveFails = 0
			return
		}
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.cfg.Threshold {
			cb.openUntil = cb.clock.Now().Add(cb.cfg.RecoveryTimeout)
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if success {
			cb.consecutiveFails = 0
			cb.transitionLocked(StateClosed)
		} else {
			cb.openUntil = cb.clock.Now().Add(cb.cfg.RecoveryTimeout)
			cb.transitionLocked(StateOpen)
		}
	case StateOpen:
		// A probe or stray completion arriving while Open; ignore, the
		// state machine only advances via startCall's timeout check.
	}
}

func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.startCall(); err != nil {
		return err
	}
	err := fn()
	cb.completeCall(err == nil)
	return err
}

func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := cb.startCall(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- core.ErrInternal
			}
		}()
		done <- fn()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(timeout):
		err = core.ErrStepTimeout
	case <-ctx.Done():
		err = core.ErrCancelled
	}
	cb.completeCall(err == nil)
	return err
}

func (cb *CircuitBreaker) GetState() string {
	return string(cb.currentState())
}

func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":             string(cb.state),
		"consecutive_fails": cb.consecutiveFails,
		"generation":        cb.generation,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.transitionLocked(StateClosed)
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)
