package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartTaskRunSpan creates a child span covering one rule body execution.
func StartTaskRunSpan(ctx context.Context, fingerprint, rule string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task.fingerprint", fingerprint),
			attribute.String("task.rule", rule),
		),
	)
}

// StartDriverLoopSpan creates a child span covering one pass of the driver
// loop: popping the ready queue and dispatching whatever it yields.
func StartDriverLoopSpan(ctx context.Context, readyLen, runningCount int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.driver_loop",
		trace.WithAttributes(
			attribute.Int("graph.ready_len", readyLen),
			attribute.Int("graph.running_count", runningCount),
		),
	)
}

// SetTaskAttributes adds task identity attributes to the current span,
// used when a span created earlier (e.g. the driver-loop span)
// needs the identity of the task it is now processing.
func SetTaskAttributes(ctx context.Context, fingerprint, rule string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("task.fingerprint", fingerprint),
		attribute.String("task.rule", rule),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
