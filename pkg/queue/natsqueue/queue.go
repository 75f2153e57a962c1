package natsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/queue"
)

// Queue publishes tasks into the JetStream work-queue stream.
type Queue struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	cfg      Config
	ownsConn bool
	logger   *slog.Logger
	clock    func() time.Time
	metrics  *observability.Metrics
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithQueueClock overrides the time source, for tests.
func WithQueueClock(clock func() time.Time) QueueOption {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithQueueMetrics sets the metrics recorder.
func WithQueueMetrics(m *observability.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// NewQueue connects to the configured NATS server and ensures the task
// stream exists. Close releases the connection.
func NewQueue(cfg Config, opts ...QueueOption) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	q, err := newQueue(nc, js, cfg, true, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

// NewQueueWithConn builds a Queue on an existing connection. The caller
// keeps ownership of the connection.
func NewQueueWithConn(nc *nats.Conn, cfg Config, opts ...QueueOption) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	js, err := jetStream(nc)
	if err != nil {
		return nil, err
	}
	return newQueue(nc, js, cfg, false, opts...)
}

func newQueue(nc *nats.Conn, js nats.JetStreamContext, cfg Config, ownsConn bool, opts ...QueueOption) (*Queue, error) {
	q := &Queue{
		nc:       nc,
		js:       js,
		cfg:      cfg,
		ownsConn: ownsConn,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := ensureStream(js, cfg); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue publishes a task to its partition's shard. Re-enqueueing a task
// ID within the stream's duplicate window is a no-op.
func (q *Queue) Enqueue(ctx context.Context, t *queue.Task) (string, error) {
	if t.Operation == "" {
		return "", fmt.Errorf("task operation is required")
	}

	// NUIDs match what the NATS server uses internally and are cheap to
	// mint per publish.
	id := t.ID
	if id == "" {
		id = nuid.Next()
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}

	env := envelope{
		ID:           id,
		Operation:    t.Operation,
		Args:         t.Args,
		PartitionKey: t.PartitionKey,
		OnComplete:   t.OnComplete,
		MaxAttempts:  maxAttempts,
		DueAt:        q.clock().Add(t.Delay).UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", id, err)
	}

	subject := q.cfg.subject(q.cfg.shardFor(t.PartitionKey, id))
	if _, err := q.js.Publish(subject, data, nats.MsgId(id), nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("publish task %s: %w", id, err)
	}

	q.metrics.RecordEnqueue(ctx, t.Operation)
	q.logger.Debug("task enqueued",
		"task_id", id,
		"operation", t.Operation,
		"subject", subject,
		"delay", t.Delay,
	)
	return id, nil
}

// Close releases the connection when this Queue opened it.
func (q *Queue) Close() {
	if q.ownsConn {
		q.nc.Close()
	}
}

var _ queue.Queue = (*Queue)(nil)
