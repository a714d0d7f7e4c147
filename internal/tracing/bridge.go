package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const bridgeTracerName = "agentmux-bridge"

func bridgeTracer() trace.Tracer {
	return Tracer(bridgeTracerName)
}

// TraceTaskExecute creates a span for one execution attempt of a task.
func TraceTaskExecute(ctx context.Context, taskID, agentID string, attempt int) (context.Context, trace.Span) {
	ctx, span := bridgeTracer().Start(ctx, "bridge.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("agent_id", agentID),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// TraceTaskOutcome records the terminal state of an execution attempt on its span.
func TraceTaskOutcome(span trace.Span, state string, err error) {
	span.SetAttributes(attribute.String("state", state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceCaptureWait creates a child span for the capture wait loop.
func TraceCaptureWait(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	ctx, span := bridgeTracer().Start(ctx, "bridge.wait",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceWaitOutcome records how the wait loop ended on its span.
func TraceWaitOutcome(span trace.Span, outcome string, polls int, err error) {
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("polls", polls),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
