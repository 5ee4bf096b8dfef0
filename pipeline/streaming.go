package pipeline

import (
	"github.com/corelane/aipipeline/core"
	"github.com/corelane/aipipeline/modules"
	"github.com/corelane/aipipeline/tracker"
)

// StepMarker is one element of the streaming variant's lazy, finite,
// non-restartable sequence: an input, output, or error observation for
// one stage.
type StepMarker struct {
	Step   StepID
	Kind   string // "input", "output", "error"
	Data   interface{}
	Err    error
}

// ExecuteStreaming runs the chain through step 3 (compat_request)
// synchronously, then streams step 4's provider chunks as they arrive,
// finally running steps 5-7 once the stream completes. Cancellation of
// the returned channel's consumer propagates through ectx.Ctx into the
// provider call, which must abort.
func (e *Executor) ExecuteStreaming(ectx *ExecutionContext, provider modules.Provider, fromProto, toProto string, request interface{}) <-chan StepMarker {
	out := make(chan StepMarker, 8)

	go func() {
		defer close(out)

		current := request
		for _, stepID := range []StepID{StepSwitchRequest, StepWorkflowRequest, StepCompatRequest} {
			if ectx.Ctx.Err() != nil {
				out <- e.cancelMarker(ectx, stepID)
				return
			}
			out <- StepMarker{Step: stepID, Kind: "input", Data: current}
			result, err := e.runStep(ectx, provider, fromProto, toProto, stepID, current)
			if err != nil {
				out <- StepMarker{Step: stepID, Kind: "error", Err: err}
				ectx.Advance(StageErrorHandling, 0)
				return
			}
			ectx.Advance(stageForStep(stepID), 0)
			out <- StepMarker{Step: stepID, Kind: "output", Data: result}
			current = result
		}

		chunks, err := provider.ExecuteStreamingRequest(current, modules.ExecCtx{
			Ctx: ectx.Ctx, SessionID: ectx.SessionID, RequestID: ectx.RequestID,
			ExecutionID: ectx.ExecutionID, TraceID: ectx.TraceID, VirtualModelID: ectx.VirtualModelID,
		})
		if err != nil {
			out <- StepMarker{Step: StepProviderCall, Kind: "error", Err: err}
			ectx.Advance(StageErrorHandling, 0)
			e.health.RecordRequestResult(ectx.ProviderID, false, 0)
			return
		}

		var assembled interface{}
		for {
			select {
			case <-ectx.Ctx.Done():
				out <- e.cancelMarker(ectx, StepProviderCall)
				e.health.RecordRequestResult(ectx.ProviderID, false, 0)
				return
			case chunk, ok := <-chunks:
				if !ok {
					goto afterProvider
				}
				if chunk.Err != nil {
					out <- StepMarker{Step: StepProviderCall, Kind: "error", Err: chunk.Err}
					ectx.Advance(StageErrorHandling, 0)
					e.health.RecordRequestResult(ectx.ProviderID, false, 0)
					return
				}
				out <- StepMarker{Step: StepProviderCall, Kind: "output", Data: chunk.Data}
				assembled = chunk.Data
				if chunk.Done {
					goto afterProvider
				}
			}
		}

	afterProvider:
		ectx.Advance(StageProviderCall, 0)
		e.health.RecordRequestResult(ectx.ProviderID, true, 0)

		current = assembled
		for _, stepID := range []StepID{StepCompatResponse, StepWorkflowResponse, StepSwitchResponse} {
			if ectx.Ctx.Err() != nil {
				out <- e.cancelMarker(ectx, stepID)
				return
			}
			out <- StepMarker{Step: stepID, Kind: "input", Data: current}
			result, err := e.runStep(ectx, provider, fromProto, toProto, stepID, current)
			if err != nil {
				out <- StepMarker{Step: stepID, Kind: "error", Err: err}
				ectx.Advance(StageErrorHandling, 0)
				return
			}
			ectx.Advance(stageForStep(stepID), 0)
			out <- StepMarker{Step: stepID, Kind: "output", Data: result}
			current = result
		}
		ectx.Advance(StageCompleted, 0)
	}()

	return out
}

func (e *Executor) cancelMarker(ectx *ExecutionContext, step StepID) StepMarker {
	e.tracker.RecordIO(tracker.NewRecordInput{
		SessionID: ectx.SessionID, RequestID: ectx.RequestID,
		ModuleID: moduleIDForStep(step), StepName: string(step),
		Type: tracker.TypeError, Data: core.ErrCancelled.Error(),
		ProcessingTime: 0,
	})
	return StepMarker{Step: step, Kind: "error", Err: core.ErrCancelled}
}
