// Package telemetry provides the progressive metrics/tracing facade used
// across the pipeline: counters, gauges, histograms, and span helpers
// built on OpenTelemetry. Components depend on core.Telemetry; this
// package is the production implementation that satisfies it.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/corelane/aipipeline/core"
)

const instrumentationName = "github.com/corelane/aipipeline"

// Telemetry is the OpenTelemetry-backed core.Telemetry implementation.
type Telemetry struct {
	tracer     trace.Tracer
	meter      metric.Meter
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// New builds a Telemetry bound to the global OTel providers. Install a
// TracerProvider (Configure in otel.go does this) and a MeterProvider
// (otel.SetMeterProvider; otel.go does not set one) before using it in
// production; in tests the global no-op providers are sufficient.
func New() *Telemetry {
	return &Telemetry{
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		counters:   map[string]metric.Float64Counter{},
		histograms: map[string]metric.Float64Histogram{},
		gauges:     map[string]metric.Float64Gauge{},
	}
}

func toAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func (t *Telemetry) Counter(name string, labels ...string) {
	c, ok := t.counters[name]
	if !ok {
		var err error
		c, err = t.meter.Float64Counter(name)
		if err != nil {
			return
		}
		t.counters[name] = c
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

func (t *Telemetry) Histogram(name string, value float64, labels ...string) {
	h, ok := t.histograms[name]
	if !ok {
		var err error
		h, err = t.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		t.histograms[name] = h
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

// Gauge records an ad-hoc point-in-time value on a synchronous
// Float64Gauge instrument.
func (t *Telemetry) Gauge(name string, value float64, labels ...string) {
	g, ok := t.gauges[name]
	if !ok {
		var err error
		g, err = t.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		t.gauges[name] = g
	}
	g.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

var _ core.Telemetry = (*Telemetry)(nil)
