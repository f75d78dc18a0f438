package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qizha/senlin/action"
)

// tracerName is the instrumentation scope name for engine tracing.
const tracerName = "github.com/qizha/senlin"

// Tracing returns middleware that wraps action execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: senlin.action.id, senlin.action.type,
// senlin.target.id, senlin.target.kind, senlin.action.cause.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, act *action.Action, next Handler) error {
		ctx, span := tracer.Start(ctx, "senlin.action.execute",
			trace.WithAttributes(
				attribute.String("senlin.action.id", act.ID.String()),
				attribute.String("senlin.action.type", string(act.Type)),
				attribute.String("senlin.target.id", act.TargetID.String()),
				attribute.String("senlin.target.kind", string(act.TargetKind)),
				attribute.String("senlin.action.cause", string(act.Cause)),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
