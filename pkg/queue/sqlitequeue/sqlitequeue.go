// Package sqlitequeue persists tasks in the relational task store and
// delivers them with a polling dispatcher. The store serializes partitions,
// so any number of dispatcher processes can share one database.
package sqlitequeue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/commandkernel/pkg/idgen"
	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/queue"
	"github.com/plaenen/commandkernel/pkg/store"
)

// Queue enqueues durable tasks into a store.TaskStore.
type Queue struct {
	store   store.TaskStore
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithQueueClock sets the time source.
func WithQueueClock(fn func() time.Time) QueueOption {
	return func(q *Queue) { q.clock = fn }
}

// WithQueueMetrics sets the metrics recorder.
func WithQueueMetrics(m *observability.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue creates a durable queue over the given task store.
func NewQueue(ts store.TaskStore, opts ...QueueOption) (*Queue, error) {
	if ts == nil {
		return nil, fmt.Errorf("task store is required")
	}
	q := &Queue{store: ts, clock: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q, nil
}

// Enqueue persists a pending task. Re-enqueueing an existing task ID is a
// no-op returning the same ID.
func (q *Queue) Enqueue(ctx context.Context, t *queue.Task) (string, error) {
	if t == nil || t.Operation == "" {
		return "", fmt.Errorf("task operation is required")
	}

	id := t.ID
	if id == "" {
		id = idgen.MustGenerateSortableID()
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	now := q.clock()

	err := q.store.EnqueueTask(ctx, &store.TaskRecord{
		ID:           id,
		Operation:    t.Operation,
		Args:         t.Args,
		PartitionKey: t.PartitionKey,
		OnComplete:   t.OnComplete,
		Status:       store.TaskPending,
		MaxAttempts:  maxAttempts,
		DueAt:        now.Add(t.Delay),
		EnqueuedAt:   now,
		UpdatedAt:    now,
	})
	if err != nil {
		return "", err
	}
	q.metrics.RecordEnqueue(ctx, t.Operation)
	q.logger.Debug("task enqueued",
		slog.String("task_id", id),
		slog.String("operation", t.Operation),
		slog.String("partition_key", t.PartitionKey),
	)
	return id, nil
}

var _ queue.Queue = (*Queue)(nil)
