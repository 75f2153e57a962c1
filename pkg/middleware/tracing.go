package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/commandkernel/pkg/eventsourcing"
)

// Tracing wraps each command in an OpenTelemetry span named after the
// command type. Uses the global tracer provider.
func Tracing(tracerName string) eventsourcing.Middleware {
	if tracerName == "" {
		tracerName = "github.com/plaenen/commandkernel"
	}
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is Tracing with an explicit tracer.
func TracingWithTracer(tracer trace.Tracer) eventsourcing.Middleware {
	return func(next eventsourcing.HandlerFunc) eventsourcing.HandlerFunc {
		return func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
			cmd := req.Command

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", cmd.Type),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.id", cmd.ID),
					attribute.String("command.type", cmd.Type),
					attribute.String("command.stream_id", cmd.StreamID),
					attribute.String("command.principal_id", cmd.PrincipalID),
					attribute.String("command.correlation_id", cmd.CorrelationID),
					attribute.Int("command.attempt", req.Attempt),
				),
			)
			defer span.End()

			result, err := next(spanCtx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			span.SetAttributes(
				attribute.String("command.status", string(result.Status)),
				attribute.Bool("command.duplicate", result.Duplicate),
			)
			if result.EventID != "" {
				span.SetAttributes(
					attribute.String("event.id", result.EventID),
					attribute.Int64("stream.version", result.Version),
				)
			}
			span.SetStatus(codes.Ok, "")
			return result, nil
		}
	}
}
