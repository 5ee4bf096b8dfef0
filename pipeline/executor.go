package pipeline

import (
	"time"

	"github.com/corelane/aipipeline/core"
	"github.com/corelane/aipipeline/health"
	"github.com/corelane/aipipeline/modules"
	"github.com/corelane/aipipeline/tracker"
)

// StepResult is the discriminated {output|error} result every step
// produces, replacing exception-based control flow: the chain
// short-circuits explicitly on a non-nil Err rather than relying on a
// panic/recover unwind.
type StepResult struct {
	Output interface{}
	Err    error
}

// StepRecord describes one executed step for the Result.Steps slice.
type StepRecord struct {
	Step      StepID
	StartTime time.Time
	Duration  time.Duration
	Err       error
}

// Result is what Execute returns to its caller (the execution
// optimizer).
type Result struct {
	Success       bool
	Response      interface{}
	Err           error
	ExecutionTime time.Duration
	Steps         []StepRecord
	Context       *ExecutionContext
}

// Config bundles the per-step and overall timeouts.
type Config struct {
	StepTimeout         time.Duration // non-provider steps
	ProviderStepTimeout time.Duration
	RequestTimeout      time.Duration
	Logger              core.Logger
	Telemetry           core.Telemetry
	Clock               core.Clock
}

// DefaultConfig matches the defaults named in the concurrency model: 10s
// non-provider step timeout, 30s provider step timeout, 60s overall.
func DefaultConfig() Config {
	return Config{
		StepTimeout:         10 * time.Second,
		ProviderStepTimeout: 30 * time.Second,
		RequestTimeout:      60 * time.Second,
	}
}

// Executor is the C4 Pipeline Executor: it runs the fixed seven-step
// chain over four module-kind contracts, recording to the tracker and
// reporting provider outcomes to the health store.
type Executor struct {
	cfg     Config
	logger  core.Logger
	tel     core.Telemetry
	clock   core.Clock
	tracker *tracker.Tracker
	health  *health.Store

	protocolSwitch modules.ProtocolSwitch
	workflow       modules.Workflow
	compatibility  modules.Compatibility
}

// NewExecutor wires one executor over its module dependencies. The
// Provider module is supplied per-call (it depends on the routing
// decision), not at construction.
func NewExecutor(cfg Config, tr *tracker.Tracker, hs *health.Store, sw modules.ProtocolSwitch, wf modules.Workflow, compat modules.Compatibility) *Executor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if cfg.ProviderStepTimeout <= 0 {
		cfg.ProviderStepTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
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
	return &Executor{
		cfg: cfg, logger: logger, tel: tel, clock: clock,
		tracker: tr, health: hs,
		protocolSwitch: sw, workflow: wf, compatibility: compat,
	}
}

// Execute runs the seven-step chain for one request against provider,
// identified by ectx.ProviderID (set by the caller from a routing
// decision before calling Execute).
func (e *Executor) Execute(ectx *ExecutionContext, provider modules.Provider, fromProto, toProto string, request interface{}) Result {
	start := e.clock.Now()
	steps := make([]StepRecord, 0, 7)

	current := request
	var finalErr error

	for _, stepID := range stepSequence {
		stepStart := e.clock.Now()
		out, err := e.runStep(ectx, provider, fromProto, toProto, stepID, current)
		duration := e.clock.Now().Sub(stepStart)

		steps = append(steps, StepRecord{Step: stepID, StartTime: stepStart, Duration: duration, Err: err})

		if advErr := ectx.Advance(stageForStep(stepID), duration); advErr != nil {
			finalErr = advErr
			break
		}

		if err != nil {
			finalErr = err
			break
		}
		current = out
	}

	if finalErr != nil {
		ectx.Advance(StageErrorHandling, 0)
		e.tracker.RecordIO(tracker.NewRecordInput{
			SessionID: ectx.SessionID, RequestID: ectx.RequestID,
			ModuleID: "pipeline", StepName: "error_handling",
			Type: tracker.TypeError, Data: finalErr.Error(),
		})
		return Result{
			Success: false, Err: finalErr,
			ExecutionTime: e.clock.Now().Sub(start),
			Steps:         steps, Context: ectx,
		}
	}

	ectx.Advance(StageCompleted, 0)
	return Result{
		Success: true, Response: current,
		ExecutionTime: e.clock.Now().Sub(start),
		Steps:         steps, Context: ectx,
	}
}

func (e *Executor) runStep(ectx *ExecutionContext, provider modules.Provider, fromProto, toProto string, step StepID, input interface{}) (interface{}, error) {
	if err := ectx.Ctx.Err(); err != nil {
		return nil, core.ErrCancelled
	}

	spanCtx, span := e.tel.StartSpan(ectx.Ctx, "pipeline."+string(step))
	defer span.End()
	span.SetAttribute("module_id", moduleIDForStep(step))
	span.SetAttribute("step_name", string(step))

	mctx := modules.ExecCtx{
		Ctx: spanCtx, SessionID: ectx.SessionID, RequestID: ectx.RequestID,
		ExecutionID: ectx.ExecutionID, TraceID: ectx.TraceID, VirtualModelID: ectx.VirtualModelID,
	}

	out, err := e.tracker.TrackStepExecution(ectx.SessionID, ectx.RequestID, moduleIDForStep(step), string(step),
		func() (interface{}, int, error) {
			o, stepErr := e.dispatch(step, provider, ectx.ProviderID, fromProto, toProto, input, mctx)
			if stepErr != nil {
				return nil, 0, stepErr
			}
			return o, estimateSize(o), nil
		})

	if err != nil {
		span.RecordError(err)
		wrapped := core.NewStepError(moduleIDForStep(step), string(step), err)
		if step == StepProviderCall {
			e.health.RecordRequestResult(ectx.ProviderID, false, 0)
		}
		return nil, wrapped
	}

	if step == StepProviderCall {
		e.health.RecordRequestResult(ectx.ProviderID, true, 0)
	}

	return out, nil
}

func (e *Executor) dispatch(step StepID, provider modules.Provider, providerID, fromProto, toProto string, input interface{}, mctx modules.ExecCtx) (interface{}, error) {
	switch step {
	case StepSwitchRequest:
		return e.protocolSwitch.ConvertRequest(input, fromProto, toProto, mctx)
	case StepWorkflowRequest:
		return e.workflow.ConvertStreamingToNonStreaming(input, mctx)
	case StepCompatRequest:
		return e.compatibility.MapRequest(input, providerID, mctx)
	case StepProviderCall:
		return provider.ExecuteRequest(input, mctx)
	case StepCompatResponse:
		return e.compatibility.MapResponse(input, providerID, mctx)
	case StepWorkflowResponse:
		return e.workflow.ConvertStreamingToNonStreaming(input, mctx)
	case StepSwitchResponse:
		return e.protocolSwitch.ConvertResponse(input, toProto, fromProto, mctx)
	}
	return nil, core.ErrInternal
}

func moduleIDForStep(step StepID) string {
	switch step {
	case StepSwitchRequest, StepSwitchResponse:
		return "protocol_switch"
	case StepWorkflowRequest, StepWorkflowResponse:
		return "workflow"
	case StepCompatRequest, StepCompatResponse:
		return "compatibility"
	case StepProviderCall:
		return "provider"
	}
	return "pipeline"
}

func estimateSize(v interface{}) int {
	if s, ok := v.(string); ok {
		return len(s)
	}
	if b, ok := v.([]byte); ok {
		return len(b)
	}
	return 0
}
