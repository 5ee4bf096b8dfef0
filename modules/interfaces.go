// Package modules defines the four module-kind contracts the pipeline
// executor consumes (ProtocolSwitch, Workflow, Compatibility, Provider),
// a closed Kind enum with a kind-keyed factory table, and the
// PipelineAssembly data model with topological validation.
package modules

import "context"

// ExecCtx is the narrow execution context every module method receives.
// It carries only what a module needs: cancellation and a few identity
// fields for logging/tracing, never a back-reference to the executor.
type ExecCtx struct {
	Ctx           context.Context
	SessionID     string
	RequestID     string
	ExecutionID   string
	TraceID       string
	VirtualModelID string
}

// Status is the generic lifecycle status every module reports.
type Status struct {
	Healthy bool
	Detail  map[string]interface{}
}

// ProtocolSwitch converts an inbound/outbound payload between the
// caller's wire dialect and the pipeline's internal canonical form.
type ProtocolSwitch interface {
	ConvertRequest(payload interface{}, from, to string, ectx ExecCtx) (interface{}, error)
	ConvertResponse(payload interface{}, from, to string, ectx ExecCtx) (interface{}, error)
	GetStatus() Status
	Destroy() error
}

// Workflow collapses streaming-intent requests to non-streaming when
// required. It has no separate reassembly method: the executor's
// workflow_response step calls ConvertStreamingToNonStreaming on the
// response as well, so streaming shape is not rebuilt on the way back.
type Workflow interface {
	ConvertStreamingToNonStreaming(payload interface{}, ectx ExecCtx) (interface{}, error)
	GetStatus() Status
	Destroy() error
}

// Compatibility maps canonical fields to a chosen provider's field
// names/value shapes, and reverse-maps its responses.
type Compatibility interface {
	MapRequest(payload interface{}, providerID string, ectx ExecCtx) (interface{}, error)
	MapResponse(payload interface{}, providerID string, ectx ExecCtx) (interface{}, error)
	GetStatus() Status
	Destroy() error
}

// StreamChunk is one element of a Provider's streaming response.
type StreamChunk struct {
	Data  interface{}
	Done  bool
	Err   error
}

// Provider performs the upstream request against a concrete AI service.
// Concrete wire formats are out of this module's scope; this interface
// is the contract real provider adapters (an external collaborator)
// implement.
type Provider interface {
	ExecuteRequest(payload interface{}, ectx ExecCtx) (interface{}, error)
	ExecuteStreamingRequest(payload interface{}, ectx ExecCtx) (<-chan StreamChunk, error)
	GetProviderInfo() ProviderInfo
	CheckHealth(ctx context.Context) error
	GetStatus() Status
	Destroy() error
}

// ProviderInfo is the static description of an addressable upstream.
type ProviderInfo struct {
	ID               string
	Endpoint         string
	SupportedModels  []string
	AuthKind         string
	SupportsStreaming bool
	SupportsFunctions bool
	SupportsVision    bool
	MaxTokens         int
}
