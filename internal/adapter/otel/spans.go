package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "adfactory"

// StartTaskSpan starts a span covering one task attempt.
func StartTaskSpan(ctx context.Context, taskID, batchID, kind string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.attempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("batch.id", batchID),
			attribute.String("task.kind", kind),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartStepSpan starts a span for one step (upload, submit, poll, validate) of a task.
func StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task."+step,
		trace.WithAttributes(attribute.String("task.step", step)),
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
