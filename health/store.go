package health

import (
	"sync"
	"time"

	"github.com/corelane/aipipeline/core"
)

// Config holds the health store's tunables.
type Config struct {
	CircuitBreaker   core.CircuitBreakerConfig
	ProbeInterval    time.Duration
	Logger           core.Logger
	Clock            core.Clock
	Telemetry        core.Telemetry
}

// DefaultConfig matches the defaults named in the design: threshold 5,
// 60s recovery, 30s probe interval.
func DefaultConfig() Config {
	return Config{
		CircuitBreaker: core.DefaultCircuitBreakerConfig(),
		ProbeInterval:  30 * time.Second,
	}
}

// Store is the C2 Health & Metrics Store: a per-provider map with one
// lock per provider (no global lock except to add a new entry), plus a
// background probe sweeper.
type Store struct {
	cfg    Config
	logger core.Logger
	clock  core.Clock
	tel    core.Telemetry

	mapMu     sync.RWMutex
	providers map[string]*ProviderHealth

	probeFn func(providerID string) (healthy bool, latency time.Duration, err error)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ProbeFunc measures latency/liveness for one provider. This package
// has no notion of how a provider is reached; the caller supplies how
// to probe.
type ProbeFunc func(providerID string) (healthy bool, latency time.Duration, err error)

// New constructs a Store and starts its probe sweeper. The sweeper walks
// the live provider map, so providers first referenced via GetOrCreate
// are picked up on the next sweep.
func New(cfg Config, probe ProbeFunc) *Store {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = core.NoOpTelemetry{}
	}
	if probe == nil {
		probe = func(string) (bool, time.Duration, error) { return true, 0, nil }
	}
	s := &Store{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		tel:       tel,
		providers: make(map[string]*ProviderHealth),
		probeFn:   probe,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go s.probeLoop()
	return s
}

// GetOrCreate returns the ProviderHealth for providerID, creating it
// lazily (initially healthy, circuit closed) on first reference.
func (s *Store) GetOrCreate(providerID string) *ProviderHealth {
	s.mapMu.RLock()
	p, ok := s.providers[providerID]
	s.mapMu.RUnlock()
	if ok {
		return p
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if p, ok := s.providers[providerID]; ok {
		return p
	}
	p = newProviderHealth(providerID, s.cfg.CircuitBreaker, s.clock, s.logger)
	s.providers[providerID] = p
	return p
}

// Breaker returns the CircuitBreaker for providerID as the
// core.CircuitBreaker interface, for callers (the routing/execution
// layers) that only need breaker admission, not the full health record.
func (s *Store) Breaker(providerID string) core.CircuitBreaker {
	return s.GetOrCreate(providerID).breaker
}

// RecordRequestResult updates totals, running mean, min/max, error rate,
// and the circuit breaker for a single completed real request. All
// updates are serialized per-provider; there is no global lock here.
func (s *Store) RecordRequestResult(providerID string, success bool, latency time.Duration) {
	p := s.GetOrCreate(providerID)

	p.mu.Lock()
	p.totalRequests++
	if !success {
		p.totalFailures++
	}
	n := p.totalRequests
	p.emaLatency = time.Duration((int64(p.emaLatency)*(int64(n)-1) + int64(latency)) / int64(n))
	if latency < p.minLatency {
		p.minLatency = latency
	}
	if latency > p.maxLatency {
		p.maxLatency = latency
	}
	p.lastResponseTime = latency
	p.lastUsedTime = s.clock.Now()
	p.isHealthy = success || p.isHealthy
	p.mu.Unlock()

	p.breaker.completeCall(success)

	s.tel.Histogram("health.provider.latency_ms", float64(latency.Milliseconds()), "provider", providerID)
	s.tel.Counter("health.provider.requests_total", "provider", providerID, "success", boolLabel(success))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// IncrementInFlight/DecrementInFlight track the in-flight counter used
// by the least-connections routing strategy and released on
// cancellation cleanup.
func (s *Store) IncrementInFlight(providerID string) {
	p := s.GetOrCreate(providerID)
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
}

func (s *Store) DecrementInFlight(providerID string) {
	p := s.GetOrCreate(providerID)
	p.mu.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.mu.Unlock()
}

// Snapshot returns a point-in-time copy of one provider's metrics,
// including its computed health score.
func (s *Store) Snapshot(providerID string) Snapshot {
	return s.GetOrCreate(providerID).snapshot()
}

// Snapshots returns point-in-time copies for every known provider.
func (s *Store) Snapshots() []Snapshot {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	out := make([]Snapshot, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.snapshot())
	}
	return out
}

// CanExecute reports whether providerID is currently admissible: healthy
// and its circuit is not Open (used by the routing optimizer's candidate
// intersection).
func (s *Store) CanExecute(providerID string) bool {
	p := s.GetOrCreate(providerID)
	return p.IsHealthy() && p.breaker.CanExecute()
}

func (s *Store) probeLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.probeAll()
		case <-s.stopCh:
			return
		}
	}
}

// probeAll fans out a probe per known provider, capped at provider
// count (no extra concurrency limiting needed: one goroutine per
// provider is exactly the cap named in the design).
func (s *Store) probeAll() {
	s.mapMu.RLock()
	ids := make([]string, 0, len(s.providers))
	for id := range s.providers {
		ids = append(ids, id)
	}
	s.mapMu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(providerID string) {
			defer wg.Done()
			s.probeOne(providerID)
		}(id)
	}
	wg.Wait()
}

func (s *Store) probeOne(providerID string) {
	healthy, latency, err := s.probeFn(providerID)
	p := s.GetOrCreate(providerID)

	p.mu.Lock()
	p.lastProbeTime = s.clock.Now()
	p.isHealthy = healthy && err == nil
	if err == nil {
		n := p.totalRequests + 1
		p.emaLatency = time.Duration((int64(p.emaLatency)*(int64(n)-1) + int64(latency)) / int64(n))
	}
	p.mu.Unlock()

	// Probe failures never count toward the circuit threshold; only
	// real traffic does.
}

// Destroy stops the probe sweeper, waiting up to 5s to drain.
func (s *Store) Destroy() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("health: probe sweeper did not stop within grace window", nil)
	}
}
