package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for queue spans.
var (
	AttrManager    = attribute.Key("turnstile.manager")
	AttrTaskID     = attribute.Key("turnstile.task.id")
	AttrTaskKind   = attribute.Key("turnstile.task.kind")
	AttrAttempt    = attribute.Key("turnstile.task.attempt")
	AttrOutcome    = attribute.Key("turnstile.task.outcome")
	AttrErrDomain  = attribute.Key("turnstile.error.domain")
	AttrErrCode    = attribute.Key("turnstile.error.code")
	AttrRoute      = attribute.Key("http.route")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
