// Package memqueue provides an in-process task queue for tests and
// single-process deployments. Delivery is at-least-once with per-partition
// FIFO ordering. Nothing survives a restart; durable deployments use the
// sqlite or NATS queues instead.
package memqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/idgen"
	"github.com/plaenen/commandkernel/pkg/queue"
)

const defaultRetryDelay = 50 * time.Millisecond

// Queue delivers tasks to a single dispatch handler. Tasks sharing a
// partition key are delivered strictly in enqueue order, one at a time; a
// delayed task at the head of a partition holds back its successors.
// Unkeyed tasks are delivered independently.
type Queue struct {
	dispatch    queue.Handler
	deadLetter  queue.DeadLetterFunc
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	partitions map[string]*partition
	seen       map[string]struct{}
	closed     bool
}

type partition struct {
	items []*item
	busy  bool
}

type item struct {
	id          string
	task        *queue.Task
	dueAt       time.Time
	maxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithDeadLetter sets the handler for tasks that exhaust their attempts.
func WithDeadLetter(fn queue.DeadLetterFunc) Option {
	return func(q *Queue) { q.deadLetter = fn }
}

// WithMaxAttempts sets the default delivery attempt budget.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithRetryDelay sets the pause between failed delivery attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) { q.retryDelay = d }
}

// New creates a queue delivering to dispatch, typically a Mux's Dispatch.
func New(dispatch queue.Handler, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		dispatch:    dispatch,
		maxAttempts: queue.DefaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		ctx:         ctx,
		cancel:      cancel,
		partitions:  make(map[string]*partition),
		seen:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Enqueue submits a task. Re-enqueueing a task ID already seen in this
// queue's lifetime is a no-op returning the same ID.
func (q *Queue) Enqueue(ctx context.Context, t *queue.Task) (string, error) {
	if t == nil || t.Operation == "" {
		return "", fmt.Errorf("task operation is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", domain.ErrQueueClosed
	}

	id := t.ID
	if id == "" {
		id = idgen.MustGenerateSortableID()
	}
	if _, dup := q.seen[id]; dup {
		return id, nil
	}
	q.seen[id] = struct{}{}

	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	it := &item{
		id:          id,
		task:        t,
		dueAt:       time.Now().Add(t.Delay),
		maxAttempts: maxAttempts,
	}

	if t.PartitionKey == "" {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.process(it)
		}()
		return id, nil
	}

	p := q.partitions[t.PartitionKey]
	if p == nil {
		p = &partition{}
		q.partitions[t.PartitionKey] = p
	}
	p.items = append(p.items, it)
	if !p.busy {
		p.busy = true
		q.wg.Add(1)
		go q.drain(p)
	}
	return id, nil
}

// Close stops delivery and waits for in-flight handlers. Tasks still queued
// or delayed are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) drain(p *partition) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(p.items) == 0 {
			p.busy = false
			q.mu.Unlock()
			return
		}
		it := p.items[0]
		p.items = p.items[1:]
		q.mu.Unlock()

		q.process(it)
	}
}

func (q *Queue) process(it *item) {
	if d := time.Until(it.dueAt); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	dl := &queue.Delivery{TaskID: it.id, Operation: it.task.Operation, Args: it.task.Args}
	var lastErr error
	for attempt := 1; attempt <= it.maxAttempts; attempt++ {
		if q.ctx.Err() != nil {
			return
		}
		dl.Attempt = attempt
		lastErr = q.dispatch(q.ctx, dl)
		if lastErr == nil {
			if it.task.OnComplete != "" {
				q.chain(it.task)
			}
			return
		}
		q.logger.Warn("task delivery failed",
			slog.String("task_id", it.id),
			slog.String("operation", it.task.Operation),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr),
		)
		if attempt < it.maxAttempts {
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(q.retryDelay):
			}
		}
	}

	q.logger.Error("task exhausted attempts",
		slog.String("task_id", it.id),
		slog.String("operation", it.task.Operation),
		slog.Int("attempts", it.maxAttempts),
		slog.Any("error", lastErr),
	)
	if q.deadLetter != nil {
		q.deadLetter(q.ctx, dl, lastErr)
	}
}

func (q *Queue) chain(t *queue.Task) {
	_, err := q.Enqueue(context.Background(), &queue.Task{
		Operation:    t.OnComplete,
		Args:         t.Args,
		PartitionKey: t.PartitionKey,
	})
	if err != nil {
		q.logger.Warn("chained task dropped",
			slog.String("operation", t.OnComplete), slog.Any("error", err))
	}
}

var _ queue.Queue = (*Queue)(nil)
