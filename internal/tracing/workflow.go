package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const workflowTracerName = "agentmux-workflow"

func workflowTracer() trace.Tracer {
	return Tracer(workflowTracerName)
}

// TraceExecutionStart creates a span covering a whole workflow execution.
func TraceExecutionStart(ctx context.Context, executionID, workflowID string, stepCount int) (context.Context, trace.Span) {
	ctx, span := workflowTracer().Start(ctx, "workflow.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("workflow_id", workflowID),
		attribute.Int("step_count", stepCount),
	)
	return ctx, span
}

// TraceExecutionOutcome records the terminal state of an execution on its span.
func TraceExecutionOutcome(span trace.Span, state string, err error) {
	span.SetAttributes(attribute.String("state", state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceStepRun creates a span for one workflow step dispatch.
func TraceStepRun(ctx context.Context, executionID, stepID, agentID string) (context.Context, trace.Span) {
	ctx, span := workflowTracer().Start(ctx, "workflow.step",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("step_id", stepID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceStepOutcome records the terminal state of a step on its span.
func TraceStepOutcome(span trace.Span, state string, err error) {
	span.SetAttributes(attribute.String("state", state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
