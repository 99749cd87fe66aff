package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by session spans and metrics.
var (
	AttrSessionID = attribute.Key("lucid.session.id")
	AttrAttemptID = attribute.Key("lucid.attempt.id")
	AttrFrameType = attribute.Key("lucid.frame.type")
	AttrCloseCode = attribute.Key("lucid.close.code")
	AttrTrigger   = attribute.Key("lucid.trigger")
)

// StartClientSpan starts a span for an outbound call (socket dial, REST request).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
