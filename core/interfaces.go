// Package core provides the fundamental abstractions shared by every
// component of the pipeline runtime: structured logging, telemetry,
// clocks, and the circuit breaker contract. Components depend on these
// interfaces rather than on each other's concrete types.
package core

import "context"

// Logger is the structured, leveled logging contract every component
// accepts at construction. Fields are passed as a flat map so call sites
// stay terse; implementations decide how to render them.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger tags every record with the emitting component
// (e.g. "pipeline", "routing", "health", "tracker", "execution").
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the safe default for every
// component that accepts a Logger and receives none.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, map[string]interface{})                                   {}
func (NoOpLogger) Info(string, map[string]interface{})                                    {}
func (NoOpLogger) Warn(string, map[string]interface{})                                    {}
func (NoOpLogger) Error(string, map[string]interface{})                                   {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{})       {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})        {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})        {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{})       {}
func (NoOpLogger) WithComponent(string) Logger                                            { return NoOpLogger{} }

var _ ComponentAwareLogger = NoOpLogger{}

// Telemetry is the minimal metrics/tracing facade components depend on.
// The telemetry package provides the production implementation over
// OpenTelemetry; NoOpTelemetry is the safe default.
type Telemetry interface {
	Counter(name string, labels ...string)
	Histogram(name string, value float64, labels ...string)
	Gauge(name string, value float64, labels ...string)
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Span is a narrow tracing span contract, enough for per-step tracing.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpTelemetry discards everything.
type NoOpTelemetry struct{}

func (NoOpTelemetry) Counter(string, ...string)            {}
func (NoOpTelemetry) Histogram(string, float64, ...string) {}
func (NoOpTelemetry) Gauge(string, float64, ...string)     {}
func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                           {}
func (noopSpan) SetAttribute(string, interface{}) {}
func (noopSpan) RecordError(error)              {}

var _ Telemetry = NoOpTelemetry{}
