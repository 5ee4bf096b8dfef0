// Package pipeline implements the Pipeline Executor (C4): the fixed
// seven-step request/response transform chain plus its streaming
// variant.
package pipeline

import (
	"context"
	"time"
)

// Stage enumerates ExecutionContext's state machine. Transitions are
// totally ordered; once Completed or ErrorHandling is entered, no
// further transition is permitted.
type Stage string

const (
	StageRequestInit     Stage = "request_init"
	StageSwitchRequest   Stage = "switch_request"
	StageWorkflowRequest Stage = "workflow_request"
	StageCompatRequest   Stage = "compat_request"
	StageProviderCall    Stage = "provider_call"
	StageCompatResponse  Stage = "compat_response"
	StageWorkflowResponse Stage = "workflow_response"
	StageSwitchResponse  Stage = "switch_response"
	StageCompleted       Stage = "completed"
	StageErrorHandling   Stage = "error_handling"
)

var stageOrder = []Stage{
	StageRequestInit,
	StageSwitchRequest,
	StageWorkflowRequest,
	StageCompatRequest,
	StageProviderCall,
	StageCompatResponse,
	StageWorkflowResponse,
	StageSwitchResponse,
	StageCompleted,
}

// ExecutionContext is per-request state, exclusively owned by the single
// executor invocation running it.
type ExecutionContext struct {
	Ctx            context.Context
	SessionID      string
	RequestID      string
	ExecutionID    string
	TraceID        string
	VirtualModelID string
	ProviderID     string
	StartTime      time.Time

	stage        Stage
	stageTimings map[Stage]time.Duration
	terminal     bool
}

// NewExecutionContext starts the state machine at request_init.
func NewExecutionContext(ctx context.Context, sessionID, requestID, executionID, traceID, virtualModelID string, start time.Time) *ExecutionContext {
	return &ExecutionContext{
		Ctx:            ctx,
		SessionID:      sessionID,
		RequestID:      requestID,
		ExecutionID:    executionID,
		TraceID:        traceID,
		VirtualModelID: virtualModelID,
		StartTime:      start,
		stage:          StageRequestInit,
		stageTimings:   make(map[Stage]time.Duration),
	}
}

// Stage returns the current stage.
func (e *ExecutionContext) Stage() Stage { return e.stage }

// Advance moves the state machine to `to`, recording how long was spent
// in the prior stage. It is a no-op error once a terminal stage
// (Completed or ErrorHandling) has been entered.
func (e *ExecutionContext) Advance(to Stage, spent time.Duration) error {
	if e.terminal {
		return errAlreadyTerminal
	}
	e.stageTimings[e.stage] = spent
	e.stage = to
	if to == StageCompleted || to == StageErrorHandling {
		e.terminal = true
	}
	return nil
}

// StageTimings returns a copy of the per-stage duration map.
func (e *ExecutionContext) StageTimings() map[Stage]time.Duration {
	out := make(map[Stage]time.Duration, len(e.stageTimings))
	for k, v := range e.stageTimings {
		out[k] = v
	}
	return out
}
