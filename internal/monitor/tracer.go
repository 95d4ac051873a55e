package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sandbox-invoker"

// Tracer wraps OpenTelemetry tracing for the invoker.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("invoker.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for invoker tracing.
var (
	AttrRequestID  = attribute.Key("invoker.request.id")
	AttrVerdict    = attribute.Key("invoker.verdict")
	AttrStage      = attribute.Key("invoker.stage")
	AttrLimitKind  = attribute.Key("invoker.limit_breached")
	AttrDurationMS = attribute.Key("invoker.duration_ms")
)
