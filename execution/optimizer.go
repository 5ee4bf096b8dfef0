// Package execution implements the Execution Optimizer (C5): the
// module's public entry surface. It wraps the Pipeline Executor with
// admission control, response caching, and a retry envelope that
// re-routes through C3 on every attempt.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/corelane/aipipeline/core"
	"github.com/corelane/aipipeline/health"
	"github.com/corelane/aipipeline/modules"
	"github.com/corelane/aipipeline/pipeline"
	"github.com/corelane/aipipeline/routing"
	"github.com/corelane/aipipeline/tracker"
)

// ProviderResolver maps a routing decision's provider id to a live
// Provider module. Wiring concrete providers is an external collaborator's
// responsibility; this package only consumes the contract.
type ProviderResolver func(providerID string) (modules.Provider, bool)

// Config bundles C5's tunables.
type Config struct {
	MaxConcurrency  int
	AdmissionWait   time.Duration
	EnableCaching   bool
	CacheTTL        time.Duration
	Retry           RetryConfig
	Logger          core.Logger
	Telemetry       core.Telemetry
	Clock           core.Clock
}

// DefaultConfig: 10-slot admission semaphore, 5 minute cache TTL,
// default retry envelope.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		AdmissionWait:  2 * time.Second,
		EnableCaching:  true,
		CacheTTL:       5 * time.Minute,
		Retry:          DefaultRetryConfig(),
	}
}

// Result is what the public entry surface returns to callers.
type Result struct {
	Success       bool
	Response      interface{}
	Err           error
	ExecutionTime time.Duration
	Steps         []pipeline.StepRecord
	Context       *pipeline.ExecutionContext
	CacheHit      bool
}

// Status is getStatus()'s return shape.
type Status struct {
	Initialized     bool
	ModuleStatuses  map[string]modules.Status
	Routing         []health.Snapshot
	Performance     tracker.PerformanceAnalysis
	CacheStats      CacheStats
	InFlightCount   int
}

// Optimizer is the C5 Execution Optimizer and the module's top-level
// facade: the single entry point wrapping the component chain, in the
// same role orchestration.Orchestrator plays for its own pipeline.
type Optimizer struct {
	cfg Config

	logger core.Logger
	tel    core.Telemetry
	clock  core.Clock

	sem chan struct{}

	cache    Cache
	router   *routing.Router
	executor *pipeline.Executor
	tracker  *tracker.Tracker
	health   *health.Store
	resolve  ProviderResolver

	protocolSwitch modules.ProtocolSwitch
	workflow       modules.Workflow
	compatibility  modules.Compatibility

	destroyed bool
}

// New wires one Execution Optimizer over its collaborators.
func New(cfg Config, tr *tracker.Tracker, hs *health.Store, router *routing.Router, executor *pipeline.Executor, resolve ProviderResolver, sw modules.ProtocolSwitch, wf modules.Workflow, compat modules.Compatibility) *Optimizer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.AdmissionWait <= 0 {
		cfg.AdmissionWait = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = core.NoOpTelemetry{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	return &Optimizer{
		cfg:            cfg,
		logger:         logger,
		tel:            tel,
		clock:          clock,
		sem:            make(chan struct{}, cfg.MaxConcurrency),
		cache:          NewMemoryCache(10000, time.Minute),
		router:         router,
		executor:       executor,
		tracker:        tr,
		health:         hs,
		resolve:        resolve,
		protocolSwitch: sw,
		workflow:       wf,
		compatibility:  compat,
	}
}

// WithCache overrides the default in-process cache (e.g. with a
// RedisCache) after construction, before any Execute call.
func (o *Optimizer) WithCache(c Cache) *Optimizer {
	o.cache.Stop()
	o.cache = c
	return o
}

// Execute is the public entry surface's `execute`: admission, cache
// probe, retry-with-fresh-routing, cache store.
func (o *Optimizer) Execute(ctx context.Context, request interface{}, vm routing.VirtualModel, fromProto, toProto string) Result {
	start := o.clock.Now()

	release, err := o.acquire(ctx)
	if err != nil {
		o.tel.Counter("execution.admission.rejected_total", "virtual_model", vm.ID)
		o.logger.Warn("execution: admission rejected", map[string]interface{}{"virtual_model": vm.ID, "error": err.Error()})
		return Result{Success: false, Err: err, ExecutionTime: o.clock.Now().Sub(start)}
	}
	defer release()

	key := DigestKey(vm.ID, request)
	if o.cfg.EnableCaching {
		if cached, ok := o.cache.Get(key); ok {
			o.tel.Counter("execution.cache.hit_total", "virtual_model", vm.ID)
			return Result{Success: true, Response: cached, ExecutionTime: o.clock.Now().Sub(start), CacheHit: true}
		}
	}

	sessionID := fmt.Sprintf("%s-%d", vm.ID, o.clock.Now().UnixNano())
	requestID := sessionID
	o.tracker.StartSession(sessionID, requestID)

	b := o.cfg.Retry.newBackOff()
	maxAttempts := o.cfg.Retry.MaxRetries + 1

	var final pipeline.Result
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		decision, err := o.router.Decide(vm)
		if err != nil {
			lastErr = err
			if !core.IsRetryable(err) || attempt == maxAttempts {
				break
			}
			if !o.sleepBeforeRetry(ctx, b) {
				lastErr = ctx.Err()
				break
			}
			continue
		}

		provider, ok := o.resolve(decision.ProviderID)
		if !ok {
			lastErr = fmt.Errorf("execution: no provider registered for %q: %w", decision.ProviderID, core.ErrInternal)
			break
		}

		ectx := pipeline.NewExecutionContext(ctx, sessionID, requestID, fmt.Sprintf("%s-%d", sessionID, attempt), "", vm.ID, o.clock.Now())
		ectx.ProviderID = decision.ProviderID

		o.tracker.TrackRequest(sessionID, requestID, "pipeline", fmt.Sprintf("attempt_%d", attempt), 0, request)
		final = o.executor.Execute(ectx, provider, fromProto, toProto, request)
		if final.Success {
			o.tracker.TrackResponse(sessionID, requestID, "pipeline", fmt.Sprintf("attempt_%d", attempt), 0, final.Response)
			lastErr = nil
			break
		}
		lastErr = final.Err
		if !core.IsRetryable(final.Err) || attempt == maxAttempts {
			break
		}
		o.logger.Info("execution: retrying after transient failure", map[string]interface{}{
			"virtual_model": vm.ID, "provider": decision.ProviderID, "attempt": attempt, "error": final.Err.Error(),
		})
		o.tel.Counter("execution.retry_total", "virtual_model", vm.ID)
		if !o.sleepBeforeRetry(ctx, b) {
			lastErr = ctx.Err()
			break
		}
	}

	o.tracker.EndSession(sessionID)

	if lastErr != nil {
		o.tel.Counter("execution.request.failed_total", "virtual_model", vm.ID)
		return Result{
			Success: false, Err: lastErr,
			ExecutionTime: o.clock.Now().Sub(start),
			Steps:         final.Steps, Context: final.Context,
		}
	}

	o.tel.Counter("execution.request.succeeded_total", "virtual_model", vm.ID)
	o.tel.Histogram("execution.request.duration_ms", float64(o.clock.Now().Sub(start).Milliseconds()), "virtual_model", vm.ID)

	if o.cfg.EnableCaching {
		o.cache.Set(key, final.Response, o.cfg.CacheTTL)
	}

	return Result{
		Success: true, Response: final.Response,
		ExecutionTime: o.clock.Now().Sub(start),
		Steps:         final.Steps, Context: final.Context,
	}
}

// sleepBeforeRetry waits one backoff interval, honoring ctx
// cancellation. It returns false if the wait was aborted (context
// cancelled, or the backoff policy signaled it is exhausted).
func (o *Optimizer) sleepBeforeRetry(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ExecuteStreaming is the public entry surface's `executeStreaming`. It
// admits and routes exactly like Execute but does not retry or cache:
// a stream in progress cannot be replayed from the top, so a mid-stream
// failure surfaces as a terminal error marker.
func (o *Optimizer) ExecuteStreaming(ctx context.Context, request interface{}, vm routing.VirtualModel, fromProto, toProto string) (<-chan pipeline.StepMarker, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}

	decision, err := o.router.Decide(vm)
	if err != nil {
		release()
		return nil, err
	}
	provider, ok := o.resolve(decision.ProviderID)
	if !ok {
		release()
		return nil, fmt.Errorf("execution: no provider registered for %q: %w", decision.ProviderID, core.ErrInternal)
	}

	sessionID := fmt.Sprintf("%s-%d", vm.ID, o.clock.Now().UnixNano())
	o.tracker.StartSession(sessionID, sessionID)
	ectx := pipeline.NewExecutionContext(ctx, sessionID, sessionID, sessionID, "", vm.ID, o.clock.Now())
	ectx.ProviderID = decision.ProviderID

	upstream := o.executor.ExecuteStreaming(ectx, provider, fromProto, toProto, request)
	out := make(chan pipeline.StepMarker, 8)
	go func() {
		defer close(out)
		defer release()
		defer o.tracker.EndSession(sessionID)
		for marker := range upstream {
			out <- marker
		}
	}()
	return out, nil
}

// acquire reserves a slot from the admission semaphore, failing with
// BackpressureRejected if it cannot within AdmissionWait.
func (o *Optimizer) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(o.cfg.AdmissionWait)
	defer timer.Stop()

	select {
	case o.sem <- struct{}{}:
		return func() { <-o.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("execution: admission wait exceeded: %w", core.ErrBackpressureRejected)
	}
}

// GetStatus is the public entry surface's `getStatus`.
func (o *Optimizer) GetStatus() Status {
	return Status{
		Initialized: !o.destroyed,
		ModuleStatuses: map[string]modules.Status{
			"protocol_switch": o.protocolSwitch.GetStatus(),
			"workflow":        o.workflow.GetStatus(),
			"compatibility":   o.compatibility.GetStatus(),
		},
		Routing:       o.health.Snapshots(),
		Performance:   o.tracker.GeneratePerformanceAnalysis(""),
		CacheStats:    o.cache.Stats(),
		InFlightCount: len(o.sem),
	}
}

// GetPerformanceReport is the public entry surface's
// `getPerformanceReport`, rolled up across every session this
// optimizer's tracker still holds.
func (o *Optimizer) GetPerformanceReport() tracker.PerformanceAnalysis {
	return o.tracker.GeneratePerformanceAnalysis("")
}

// GetRoutingStats is the public entry surface's `getRoutingStats`.
func (o *Optimizer) GetRoutingStats() []health.Snapshot {
	return o.health.Snapshots()
}

// GetIORecords is the public entry surface's `getIORecords`.
func (o *Optimizer) GetIORecords(filter tracker.RecordFilter) []*tracker.IORecord {
	return o.tracker.GetRecords(filter)
}

// ResetStatistics is the public entry surface's `resetStatistics`. It
// clears the response cache; per-provider health counters and tracker
// history are intentionally left untouched, since those reflect live
// operational state rather than optimizer-local bookkeeping.
func (o *Optimizer) ResetStatistics() {
	o.cache.Stop()
	o.cache = NewMemoryCache(10000, time.Minute)
}

// Destroy is the public entry surface's `destroy`: it stops the cache
// sweeper and the tracker's and health store's background loops. It
// does not wait for in-flight Execute or ExecuteStreaming calls.
func (o *Optimizer) Destroy() {
	if o.destroyed {
		return
	}
	o.destroyed = true
	o.cache.Stop()
	o.tracker.Destroy()
	o.health.Destroy()
}
