package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EndSpan ends a span, recording the error when one occurred.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SetSpanAttributes adds attributes to the current span in the context
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// AddSpanEvent adds an event to the current span in the context
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the command kernel
var (
	// Stream attributes
	AttrStreamID   = attribute.Key("stream.id")
	AttrStreamType = attribute.Key("stream.type")
	AttrVersion    = attribute.Key("stream.version")

	// Command attributes
	AttrCommandType = attribute.Key("command.type")
	AttrCommandID   = attribute.Key("command.id")
	AttrOutcome     = attribute.Key("command.outcome")

	// Event attributes
	AttrEventType = attribute.Key("event.type")
	AttrEventID   = attribute.Key("event.id")

	// Reservation attributes
	AttrReservationID  = attribute.Key("reservation.id")
	AttrReservationKey = attribute.Key("reservation.key")

	// Retry/task attributes
	AttrTaskID       = attribute.Key("task.id")
	AttrPartitionKey = attribute.Key("task.partition_key")
	AttrRetryAttempt = attribute.Key("retry.attempt")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrErrorCode = attribute.Key("error.code")

	// Tenant attributes
	AttrTenantID = attribute.Key("tenant.id")
)

// CommandAttrs returns common command attributes
func CommandAttrs(commandType, commandID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrCommandType.String(commandType),
	}
	if commandID != "" {
		attrs = append(attrs, AttrCommandID.String(commandID))
	}
	return attrs
}

// StreamAttrs returns common stream attributes
func StreamAttrs(streamType, streamID string, version int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStreamType.String(streamType),
		AttrStreamID.String(streamID),
		AttrVersion.Int64(version),
	}
}

// ErrorAttrs returns common error attributes
func ErrorAttrs(err error, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrErrorType.String(fmt.Sprintf("%T", err)),
	}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	return attrs
}
