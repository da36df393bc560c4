package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wippyai/wasm-sandbox"

// Tracer wraps OpenTelemetry tracing for the sandbox.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartSpan creates a span named "sandbox.<name>". A nil Tracer returns a
// non-recording span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "sandbox."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common attribute keys for sandbox tracing.
var (
	AttrExecID     = attribute.Key("sandbox.execution.id")
	AttrModuleHash = attribute.Key("sandbox.module.hash")
	AttrEntryPoint = attribute.Key("sandbox.entry_point")
	AttrOutcome    = attribute.Key("sandbox.outcome")
	AttrCacheHit   = attribute.Key("sandbox.cache_hit")
	AttrHostCalls  = attribute.Key("sandbox.host_calls")
	AttrDryRun     = attribute.Key("sandbox.migration.dry_run")
)
