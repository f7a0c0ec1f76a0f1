package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "troupe-runtime"

func runtimeTracer() trace.Tracer {
	return Tracer(runtimeTracerName)
}

// StartTurn creates a span covering one message turn, from dispatch to
// the completion frame.
func StartTurn(ctx context.Context, networkID, agentID, messageID string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "session.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("network_id", networkID),
		attribute.String("agent_id", agentID),
		attribute.String("message_id", messageID),
	)
	return ctx, span
}

// EndTurn records how the turn finished and closes its span. A nil
// span is ignored so callers can hand over whatever they hold.
func EndTurn(span trace.Span, stopReason string, isError bool) {
	if span == nil {
		return
	}
	if stopReason != "" {
		span.SetAttributes(attribute.String("stop_reason", stopReason))
	}
	if isError {
		span.SetStatus(codes.Error, stopReason)
	}
	span.End()
}

// StartToolCall creates a span for a single tool invocation.
func StartToolCall(ctx context.Context, serverName, toolName, agentID string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "toolserver.call",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("server", serverName),
		attribute.String("tool", toolName),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// EndToolCall records the outcome of a tool invocation and closes its
// span.
func EndToolCall(span trace.Span, isError bool, message string) {
	if span == nil {
		return
	}
	if isError {
		span.SetStatus(codes.Error, message)
	}
	span.End()
}

// RecordStderr attaches one subprocess stderr line to the span.
func RecordStderr(span trace.Span, line string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent("stderr", trace.WithAttributes(attribute.String("line", line)))
}
