package middleware_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/eventsourcing"
	"github.com/plaenen/commandkernel/pkg/middleware"
	"github.com/plaenen/commandkernel/pkg/observability"
)

func testRequest() *eventsourcing.Request {
	return &eventsourcing.Request{
		Command: &domain.Command{
			ID:            "cmd-1",
			Type:          "inventory.add_stock",
			StreamType:    "inventory",
			StreamID:      "item-1",
			CorrelationID: "corr-1",
			PrincipalID:   "user-1",
		},
		Attempt: 1,
	}
}

func executedResult() *eventsourcing.ProcessResult {
	return &eventsourcing.ProcessResult{
		CommandID: "cmd-1",
		Status:    eventsourcing.ProcessExecuted,
		EventID:   "evt-1",
		Version:   3,
	}
}

func succeedingHandler(result *eventsourcing.ProcessResult) eventsourcing.HandlerFunc {
	return func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
		return result, nil
	}
}

func failingHandler(err error) eventsourcing.HandlerFunc {
	return func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
		return nil, err
	}
}

func TestLogging_LogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	want := executedResult()
	handler := middleware.Logging(logger)(succeedingHandler(want))

	got, err := handler(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Same(t, want, got)

	logged := buf.String()
	assert.Contains(t, logged, "processing command")
	assert.Contains(t, logged, "command processed")
	assert.Contains(t, logged, "command_type=inventory.add_stock")
	assert.Contains(t, logged, "status=executed")
}

func TestLogging_LogsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := middleware.Logging(logger)(failingHandler(fmt.Errorf("store unavailable")))

	result, err := handler(context.Background(), testRequest())
	require.EqualError(t, err, "store unavailable")
	assert.Nil(t, result)
	assert.Contains(t, buf.String(), "command processing failed")
	assert.Contains(t, buf.String(), "store unavailable")
}

func TestRecovery_TurnsPanicIntoError(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := middleware.Recovery(logger)(func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
		panic("boom")
	})

	result, err := handler(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command handler panicked: boom")
	assert.Nil(t, result)
}

func TestRecovery_PassesThroughResult(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	want := executedResult()
	handler := middleware.Recovery(logger)(succeedingHandler(want))

	got, err := handler(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Same(t, want, got)
}

// commandTotal digs the command counter datapoints out of a collected
// snapshot.
func commandTotal(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == "commandkernel.command.total" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "command.total should be an int64 sum")
				return sum.DataPoints
			}
		}
	}
	t.Fatal("commandkernel.command.total not collected")
	return nil
}

func TestMetrics_RecordsResultStatus(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	handler := middleware.Metrics(metrics)(succeedingHandler(executedResult()))
	_, err = handler(context.Background(), testRequest())
	require.NoError(t, err)

	points := commandTotal(t, reader)
	require.Len(t, points, 1)
	assert.Equal(t, int64(1), points[0].Value)

	outcome, ok := points[0].Attributes.Value(attribute.Key("outcome"))
	require.True(t, ok)
	assert.Equal(t, "executed", outcome.AsString())

	commandType, ok := points[0].Attributes.Value(attribute.Key("command_type"))
	require.True(t, ok)
	assert.Equal(t, "inventory.add_stock", commandType.AsString())
}

func TestMetrics_RecordsErrorOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	handler := middleware.Metrics(metrics)(failingHandler(fmt.Errorf("store unavailable")))
	_, err = handler(context.Background(), testRequest())
	require.Error(t, err)

	points := commandTotal(t, reader)
	require.Len(t, points, 1)

	outcome, ok := points[0].Attributes.Value(attribute.Key("outcome"))
	require.True(t, ok)
	assert.Equal(t, "error", outcome.AsString())
}

func TestTracing_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	handler := middleware.TracingWithTracer(tracer)(succeedingHandler(executedResult()))
	_, err := handler(context.Background(), testRequest())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, "command.inventory.add_stock", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := span.Attributes()
	assert.Contains(t, attrs, attribute.String("command.id", "cmd-1"))
	assert.Contains(t, attrs, attribute.String("command.type", "inventory.add_stock"))
	assert.Contains(t, attrs, attribute.String("command.status", "executed"))
	assert.Contains(t, attrs, attribute.String("event.id", "evt-1"))
	assert.Contains(t, attrs, attribute.Int64("stream.version", 3))
}

func TestTracing_RecordsHandlerError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	handler := middleware.TracingWithTracer(tracer)(failingHandler(fmt.Errorf("store unavailable")))
	_, err := handler(context.Background(), testRequest())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "store unavailable", spans[0].Status().Description)
}

func TestAuthorization_DeniesMissingRole(t *testing.T) {
	authorizer := middleware.NewRoleBasedAuthorizer(
		map[string][]string{"inventory.add_stock": {"admin"}},
		func(ctx context.Context, principalID string) ([]string, error) {
			return []string{"viewer"}, nil
		},
	)

	nextCalled := false
	handler := middleware.Authorization(authorizer)(func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
		nextCalled = true
		return executedResult(), nil
	})

	result, err := handler(context.Background(), testRequest())
	require.ErrorIs(t, err, middleware.ErrUnauthorized)
	assert.Contains(t, err.Error(), "authorization failed")
	assert.Nil(t, result)
	assert.False(t, nextCalled)
}

func TestAuthorization_AllowsHeldRole(t *testing.T) {
	authorizer := middleware.NewRoleBasedAuthorizer(
		map[string][]string{"inventory.add_stock": {"admin", "ops"}},
		func(ctx context.Context, principalID string) ([]string, error) {
			assert.Equal(t, "user-1", principalID)
			return []string{"ops"}, nil
		},
	)

	handler := middleware.Authorization(authorizer)(succeedingHandler(executedResult()))
	result, err := handler(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, eventsourcing.ProcessExecuted, result.Status)
}

func TestAuthorization_UnconfiguredTypeIsOpen(t *testing.T) {
	authorizer := middleware.NewRoleBasedAuthorizer(
		map[string][]string{"inventory.remove_stock": {"admin"}},
		func(ctx context.Context, principalID string) ([]string, error) {
			return nil, fmt.Errorf("role lookup should not run for open command types")
		},
	)

	handler := middleware.Authorization(authorizer)(succeedingHandler(executedResult()))
	_, err := handler(context.Background(), testRequest())
	require.NoError(t, err)
}
