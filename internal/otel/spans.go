package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Strand spans.
var (
	AttrProjectID    = attribute.Key("strand.project.id")
	AttrTurnID       = attribute.Key("strand.turn.id")
	AttrSessionID    = attribute.Key("strand.session.id")
	AttrToolName     = attribute.Key("strand.tool.name")
	AttrToolCategory = attribute.Key("strand.tool.category")
	AttrEventKind    = attribute.Key("strand.event.kind")
	AttrTokensInput  = attribute.Key("strand.tokens.input")
	AttrTokensOutput = attribute.Key("strand.tokens.output")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (websocket RPC, history fetch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
