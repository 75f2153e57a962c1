package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the command kernel. A nil
// *Metrics is valid: every Record method is a no-op on a nil receiver, so
// components can take metrics as an optional dependency.
type Metrics struct {
	// Command processing
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter

	// Append protocol
	AppendTotal metric.Int64Counter

	// Conflict retry scheduling
	RetryScheduled metric.Int64Counter
	RetryDelay     metric.Float64Histogram
	RetryExhausted metric.Int64Counter

	// Reservations
	ReservationOps metric.Int64Counter
	SweepBatches   metric.Int64Counter
	SweepExpired   metric.Int64Counter

	// Task queue
	QueueEnqueued    metric.Int64Counter
	QueueDeliveries  metric.Int64Counter
	QueueDeadLetters metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"commandkernel.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"commandkernel.command.total",
		metric.WithDescription("Commands processed, by type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.AppendTotal, err = meter.Int64Counter(
		"commandkernel.append.total",
		metric.WithDescription("Append attempts, by stream type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating append.total: %w", err)
	}

	m.RetryScheduled, err = meter.Int64Counter(
		"commandkernel.retry.scheduled",
		metric.WithDescription("Conflict retries scheduled as durable tasks"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating retry.scheduled: %w", err)
	}

	m.RetryDelay, err = meter.Float64Histogram(
		"commandkernel.retry.delay",
		metric.WithDescription("Computed retry backoff delay in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating retry.delay: %w", err)
	}

	m.RetryExhausted, err = meter.Int64Counter(
		"commandkernel.retry.exhausted",
		metric.WithDescription("Retries rejected after exhausting max attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating retry.exhausted: %w", err)
	}

	m.ReservationOps, err = meter.Int64Counter(
		"commandkernel.reservation.operations",
		metric.WithDescription("Reservation operations, by operation and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating reservation.operations: %w", err)
	}

	m.SweepBatches, err = meter.Int64Counter(
		"commandkernel.sweep.batches",
		metric.WithDescription("Expiration sweep batches executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sweep.batches: %w", err)
	}

	m.SweepExpired, err = meter.Int64Counter(
		"commandkernel.sweep.expired",
		metric.WithDescription("Reservations transitioned to expired by the sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sweep.expired: %w", err)
	}

	m.QueueEnqueued, err = meter.Int64Counter(
		"commandkernel.queue.enqueued",
		metric.WithDescription("Tasks enqueued, by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue.enqueued: %w", err)
	}

	m.QueueDeliveries, err = meter.Int64Counter(
		"commandkernel.queue.deliveries",
		metric.WithDescription("Task deliveries, by operation and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue.deliveries: %w", err)
	}

	m.QueueDeadLetters, err = meter.Int64Counter(
		"commandkernel.queue.deadletters",
		metric.WithDescription("Tasks dead-lettered after exhausting attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue.deadletters: %w", err)
	}

	return m, nil
}

// RecordCommand records one processed command.
func (m *Metrics) RecordCommand(ctx context.Context, commandType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
		attribute.String("outcome", outcome),
	}
	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAppend records one append attempt outcome.
func (m *Metrics) RecordAppend(ctx context.Context, streamType, outcome string) {
	if m == nil {
		return
	}
	m.AppendTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream_type", streamType),
		attribute.String("outcome", outcome),
	))
}

// RecordRetryScheduled records a deferred conflict retry and its delay.
func (m *Metrics) RecordRetryScheduled(ctx context.Context, operation string, delay time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.RetryScheduled.Add(ctx, 1, attrs)
	m.RetryDelay.Record(ctx, delay.Seconds(), attrs)
}

// RecordRetryExhausted records a retry rejected for exceeding max attempts.
func (m *Metrics) RecordRetryExhausted(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.RetryExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordReservationOp records one reservation operation outcome.
func (m *Metrics) RecordReservationOp(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.ReservationOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordSweep records one sweep batch and how many rows it expired.
func (m *Metrics) RecordSweep(ctx context.Context, expired int64) {
	if m == nil {
		return
	}
	m.SweepBatches.Add(ctx, 1)
	if expired > 0 {
		m.SweepExpired.Add(ctx, expired)
	}
}

// RecordEnqueue records one task enqueue.
func (m *Metrics) RecordEnqueue(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.QueueEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordDelivery records one task delivery attempt outcome.
func (m *Metrics) RecordDelivery(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.QueueDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordDeadLetter records one dead-lettered task.
func (m *Metrics) RecordDeadLetter(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.QueueDeadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
