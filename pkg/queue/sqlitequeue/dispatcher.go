package sqlitequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/queue"
	"github.com/plaenen/commandkernel/pkg/store"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultLease        = time.Minute
	defaultRetryDelay   = 5 * time.Second
	defaultBatchSize    = 16
	defaultConcurrency  = 4
)

// Dispatcher polls the task store for due tasks and delivers them to a
// handler. Claimed tasks are completed, retried or dead-lettered based on
// the handler outcome; a dispatcher killed mid-delivery leaves its lease to
// expire and the task is redelivered.
//
// Handlers should finish within the claim lease; a delivery that outlives
// its lease can be claimed again by another dispatcher.
type Dispatcher struct {
	store        store.TaskStore
	handler      queue.Handler
	deadLetter   queue.DeadLetterFunc
	logger       *slog.Logger
	metrics      *observability.Metrics
	clock        func() time.Time
	pollInterval time.Duration
	lease        time.Duration
	retryDelay   time.Duration
	batchSize    int
	concurrency  int

	cancel context.CancelFunc
	done   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock sets the time source.
func WithClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = fn }
}

// WithDeadLetter sets the callback invoked after a task is marked dead.
func WithDeadLetter(fn queue.DeadLetterFunc) DispatcherOption {
	return func(d *Dispatcher) { d.deadLetter = fn }
}

// WithPollInterval sets how often due tasks are claimed.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithLease sets the claim lease duration.
func WithLease(lease time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.lease = lease }
}

// WithRetryDelay sets the pause before a failed task becomes due again.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.retryDelay = delay }
}

// WithBatchSize sets the maximum tasks claimed per poll.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithConcurrency sets how many claimed tasks are delivered in parallel.
// Tasks in one partition never run concurrently regardless of this value.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) { d.concurrency = n }
}

// NewDispatcher creates a dispatcher delivering to handler, typically a
// Mux's Dispatch.
func NewDispatcher(ts store.TaskStore, handler queue.Handler, opts ...DispatcherOption) (*Dispatcher, error) {
	if ts == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	d := &Dispatcher{
		store:        ts,
		handler:      handler,
		clock:        time.Now,
		pollInterval: defaultPollInterval,
		lease:        defaultLease,
		retryDelay:   defaultRetryDelay,
		batchSize:    defaultBatchSize,
		concurrency:  defaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// Name implements runner.Service.
func (d *Dispatcher) Name() string { return "task-dispatcher" }

// Start launches the poll loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(runCtx)
	d.logger.Info("task dispatcher started",
		slog.Duration("poll_interval", d.pollInterval),
		slog.Int("concurrency", d.concurrency),
	)
	return nil
}

// Stop halts polling and waits for in-flight deliveries.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll claims and delivers one batch of due tasks. The poll loop calls this
// on every tick; tests call it directly for deterministic stepping.
func (d *Dispatcher) Poll(ctx context.Context) error {
	tasks, err := d.store.ClaimDueTasks(ctx, d.clock(), d.lease, d.batchSize)
	if err != nil {
		return fmt.Errorf("claim due tasks: %w", err)
	}

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t *store.TaskRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, t)
		}(t)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("poll failed", slog.Any("error", err))
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t *store.TaskRecord) {
	dl := &queue.Delivery{TaskID: t.ID, Operation: t.Operation, Args: t.Args, Attempt: t.Attempts}

	err := d.handler(ctx, dl)
	if err == nil {
		d.metrics.RecordDelivery(ctx, t.Operation, "ok")
		if t.OnComplete != "" {
			d.chain(ctx, t)
		}
		if cerr := d.store.CompleteTask(ctx, t.ID); cerr != nil {
			d.logger.Error("complete task failed",
				slog.String("task_id", t.ID), slog.Any("error", cerr))
		}
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-delivery: the lease expires and the task is
		// redelivered.
		return
	}

	d.metrics.RecordDelivery(ctx, t.Operation, "error")
	d.logger.Warn("task delivery failed",
		slog.String("task_id", t.ID),
		slog.String("operation", t.Operation),
		slog.Int("attempt", t.Attempts),
		slog.Any("error", err),
	)

	if t.Attempts >= t.MaxAttempts {
		if derr := d.store.MarkTaskDead(ctx, t.ID, err.Error(), d.clock()); derr != nil {
			d.logger.Error("mark task dead failed",
				slog.String("task_id", t.ID), slog.Any("error", derr))
			return
		}
		d.metrics.RecordDeadLetter(ctx, t.Operation)
		if d.deadLetter != nil {
			d.deadLetter(ctx, dl, err)
		}
		return
	}

	if rerr := d.store.RetryTask(ctx, t.ID, d.clock().Add(d.retryDelay), err.Error()); rerr != nil {
		d.logger.Error("retry task failed",
			slog.String("task_id", t.ID), slog.Any("error", rerr))
	}
}

// chain enqueues the follow-up task before completing the parent, so a
// crash in between redelivers the parent rather than losing the chain. The
// derived ID makes the re-enqueue a no-op.
func (d *Dispatcher) chain(ctx context.Context, t *store.TaskRecord) {
	now := d.clock()
	err := d.store.EnqueueTask(ctx, &store.TaskRecord{
		ID:           t.ID + ":next",
		Operation:    t.OnComplete,
		Args:         t.Args,
		PartitionKey: t.PartitionKey,
		Status:       store.TaskPending,
		MaxAttempts:  t.MaxAttempts,
		DueAt:        now,
		EnqueuedAt:   now,
		UpdatedAt:    now,
	})
	if err != nil {
		d.logger.Error("chain task failed",
			slog.String("task_id", t.ID),
			slog.String("operation", t.OnComplete),
			slog.Any("error", err),
		)
	}
}
