// Package telemetry provides OpenTelemetry tracing for presence operations
// and liveness sweeps.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with presence-specific helpers.
// A nil *Tracer behaves like Noop().
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from provider.
func NewTracer(provider trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: provider.Tracer(name)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

func (t *Tracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.get().Start(ctx, name, opts...)
}

// StartPresenceSpan starts a span for a presence operation on a connection.
// Empty host or connID attributes are omitted.
func (t *Tracer) StartPresenceSpan(ctx context.Context, op, host, connID string) (context.Context, trace.Span) {
	ctx, span := t.get().Start(ctx, "presence."+op, trace.WithSpanKind(trace.SpanKindServer))
	attrs := []attribute.KeyValue{attribute.String("presence.op", op)}
	if host != "" {
		attrs = append(attrs, attribute.String("presence.host", host))
	}
	if connID != "" {
		attrs = append(attrs, attribute.String("presence.conn_id", connID))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// SweepSpanOptions carries the outcome of a liveness sweep.
type SweepSpanOptions struct {
	Purged  int
	Pinged  int
	Demoted int
	Failed  int
}

// StartSweepSpan starts a span for one liveness sweep.
func (t *Tracer) StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.get().Start(ctx, "liveness.sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSweepSpan ends a sweep span with its counters.
func (t *Tracer) EndSweepSpan(span trace.Span, opts SweepSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("liveness.purged", opts.Purged),
		attribute.Int("liveness.pinged", opts.Pinged),
		attribute.Int("liveness.demoted", opts.Demoted),
		attribute.Int("liveness.failed", opts.Failed),
	)
	End(span, err)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
