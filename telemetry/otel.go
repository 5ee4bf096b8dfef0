package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ExporterConfig selects and configures the trace exporter a process
// wants wired into the global TracerProvider. Loading this from a
// config file is out of scope; callers construct it directly.
type ExporterConfig struct {
	// Target is "otlp" for a collector endpoint, "stdout" for local
	// development, or "" to leave tracing disabled (no-op tracer).
	Target string

	// OTLPEndpoint is the collector address used when Target is "otlp".
	OTLPEndpoint string

	// ServiceName tags every span's resource attributes.
	ServiceName string
}

// Configure builds and installs a global TracerProvider matching cfg,
// returning a shutdown func that flushes and releases exporter
// resources. Wires otlptracegrpc for production and stdouttrace for
// local runs.
func Configure(ctx context.Context, cfg ExporterConfig) (shutdown func(context.Context) error, err error) {
	switch cfg.Target {
	case "otlp":
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	default:
		return func(context.Context) error { return nil }, nil
	}
}
