// ABOUTME: OpenTelemetry span helpers for submit, workflow, and consensus operations
// ABOUTME: Uses the global tracer provider, a no-op unless the host installs one

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSubmitSpan starts a span for one routed message.
func StartSubmitSpan(ctx context.Context, messageID, correlationID, kind, to string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "router.submit",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("message.correlation_id", correlationID),
			attribute.String("message.kind", kind),
			attribute.String("message.to", to),
		),
	)
}

// StartWorkflowSpan starts a span covering a whole workflow run.
func StartWorkflowSpan(ctx context.Context, workflowID string, steps int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.Int("workflow.steps", steps),
		),
	)
}

// StartStepSpan starts a span for one workflow step.
func StartStepSpan(ctx context.Context, step, agentID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.name", step),
			attribute.String("step.agent_id", agentID),
		),
	)
}

// StartConsensusSpan starts a span for a consensus round.
func StartConsensusSpan(ctx context.Context, decisionID string, voters int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "consensus.round",
		trace.WithAttributes(
			attribute.String("consensus.decision_id", decisionID),
			attribute.Int("consensus.voters", voters),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
