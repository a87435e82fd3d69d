package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a span for an outbound backend call.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartServerSpan creates a new server span (for incoming requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for meteor spans
var (
	AttrExecutorID   = attribute.Key("meteor.executor.id")
	AttrJobKey       = attribute.Key("meteor.job.key")
	AttrTotalCalls   = attribute.Key("meteor.job.total_calls")
	AttrWorkerID     = attribute.Key("meteor.worker.id")
	AttrCallCount    = attribute.Key("meteor.chunk.calls")
	AttrBackend      = attribute.Key("meteor.backend")
	AttrActivationID = attribute.Key("meteor.activation.id")
	AttrReturnWhen   = attribute.Key("meteor.wait.return_when")
	AttrFutures      = attribute.Key("meteor.wait.futures")
	AttrRole         = attribute.Key("meteor.role")
	AttrThrottled    = attribute.Key("meteor.throttled")
)
