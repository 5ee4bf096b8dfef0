// Package health implements the Health & Metrics Store (C2): per-provider
// health state, latency/error-rate bookkeeping, circuit breaking, and the
// health-score formula the routing optimizer reads.
package health

import (
	"sync"
	"time"

	"github.com/corelane/aipipeline/core"
)

// CircuitState names the three states a provider's breaker can be in.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// ProviderHealth is the mutable per-provider record. Created lazily on
// first reference; never destroyed while the process lives. All fields
// are read/written only through Store methods, which serialize access
// per-provider.
type ProviderHealth struct {
	ProviderID string

	mu sync.RWMutex

	isHealthy         bool
	lastProbeTime     time.Time
	lastResponseTime  time.Duration
	emaLatency        time.Duration // cumulative running mean, see GLOSSARY
	totalRequests     uint64
	totalFailures     uint64
	consecutiveFails  int
	lastUsedTime      time.Time
	minLatency        time.Duration
	maxLatency        time.Duration
	inFlight          int64

	breaker *CircuitBreaker
}

func newProviderHealth(providerID string, cfg core.CircuitBreakerConfig, clock core.Clock, logger core.Logger) *ProviderHealth {
	return &ProviderHealth{
		ProviderID: providerID,
		isHealthy:  true,
		minLatency: time.Duration(1<<63 - 1),
		breaker:    newCircuitBreaker(providerID, cfg, clock, logger),
	}
}

// ErrorRate returns totalFailures/totalRequests, or 0 when no requests
// have been recorded yet.
func (p *ProviderHealth) ErrorRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.errorRateLocked()
}

func (p *ProviderHealth) errorRateLocked() float64 {
	if p.totalRequests == 0 {
		return 0
	}
	return float64(p.totalFailures) / float64(p.totalRequests)
}

// EMALatency returns the current cumulative-mean response time.
func (p *ProviderHealth) EMALatency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.emaLatency
}

// IsHealthy reports whether the last probe/observation marked this
// provider healthy.
func (p *ProviderHealth) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isHealthy
}

// CircuitState returns the current breaker state.
func (p *ProviderHealth) CircuitState() CircuitState {
	return p.breaker.currentState()
}

// InFlight returns the current in-flight request counter, used by the
// least-connections routing strategy.
func (p *ProviderHealth) InFlight() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inFlight
}

// Snapshot is a point-in-time, lock-free copy of a provider's metrics.
type Snapshot struct {
	ProviderID       string
	IsHealthy        bool
	CircuitState     CircuitState
	TotalRequests    uint64
	TotalFailures    uint64
	ErrorRate        float64
	EMALatency       time.Duration
	MinLatency       time.Duration
	MaxLatency       time.Duration
	LastUsedTime     time.Time
	ConsecutiveFails int
	InFlight         int64
	HealthScore      float64
}

func (p *ProviderHealth) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	minLatency := p.minLatency
	if p.totalRequests == 0 {
		minLatency = 0
	}
	s := Snapshot{
		ProviderID:       p.ProviderID,
		IsHealthy:        p.isHealthy,
		CircuitState:     p.breaker.currentState(),
		TotalRequests:    p.totalRequests,
		TotalFailures:    p.totalFailures,
		ErrorRate:        p.errorRateLocked(),
		EMALatency:       p.emaLatency,
		MinLatency:       minLatency,
		MaxLatency:       p.maxLatency,
		LastUsedTime:     p.lastUsedTime,
		ConsecutiveFails: p.consecutiveFails,
		InFlight:         p.inFlight,
	}
	s.HealthScore = healthScore(s)
	return s
}

// healthScore computes
// 0.4*isHealthy + 0.3*max(0, 1-ema/1000ms) + 0.3*(1-errorRate).
// The error-rate term counts only once the provider has served a
// request, so a fresh healthy provider scores exactly 0.7.
func healthScore(s Snapshot) float64 {
	healthyTerm := 0.0
	if s.IsHealthy {
		healthyTerm = 0.4
	}
	latencyTerm := 1 - float64(s.EMALatency)/float64(time.Second)
	if latencyTerm < 0 {
		latencyTerm = 0
	}
	latencyTerm *= 0.3
	errorTerm := 0.0
	if s.TotalRequests > 0 {
		errorTerm = 0.3 * (1 - s.ErrorRate)
	}
	return healthyTerm + latencyTerm + errorTerm
}
