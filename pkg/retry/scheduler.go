package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/queue"
)

// CodeMaxRetriesExceeded is the stable rejection code returned when a
// conflict arrives with no attempt budget left.
const CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"

// Task argument keys the scheduler merges into the retry args. Handlers
// read them back on delivery.
const (
	ArgExpectedVersion = "expectedVersion"
	ArgAttempt         = "attempt"
)

// OperationRef names the queue operation that re-executes a conflicted
// command and the resource scope the conflict occurred on.
type OperationRef struct {
	// Operation is the queue handler name the task is dispatched to
	Operation string

	// Tenant, ResourceType and ResourceID identify the contended
	// resource; they form the partition key
	Tenant       string
	ResourceType string
	ResourceID   string
}

// Conflict carries the version-conflict signal being handled.
type Conflict struct {
	// CurrentVersion is the stream head observed by the store at
	// conflict time; the retry re-executes against it
	CurrentVersion int64
}

// RetryContext tracks retry progress across attempts.
type RetryContext struct {
	// Attempt is the number of attempts already made (0 on first
	// conflict)
	Attempt int

	// Args are the operation's replay arguments, carried verbatim into
	// the task with expectedVersion and attempt merged in
	Args map[string]any
}

// OutcomeStatus discriminates the variants of an Outcome.
type OutcomeStatus string

const (
	// OutcomeDeferred means a durable retry task was enqueued
	OutcomeDeferred OutcomeStatus = "deferred"

	// OutcomeRejected means the attempt budget is spent; no task was
	// enqueued
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome is the tagged result of HandleConflict.
type Outcome struct {
	Status OutcomeStatus

	// TaskID identifies the enqueued task (deferred)
	TaskID string

	// RetryAttempt is the attempt number the task will execute as
	// (deferred)
	RetryAttempt int

	// ScheduledAfter is the computed backoff delay (deferred)
	ScheduledAfter time.Duration

	// Code and Message describe the rejection (rejected)
	Code    string
	Message string
}

// Scheduler turns version conflicts into durable, partition-ordered retry
// tasks with exponential backoff.
type Scheduler struct {
	queue   queue.Queue
	policy  *Policy
	logger  *slog.Logger
	metrics *observability.Metrics
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler builds a scheduler over a durable queue. A nil policy uses
// NewPolicy defaults.
func NewScheduler(q queue.Queue, policy *Policy, opts ...SchedulerOption) (*Scheduler, error) {
	if q == nil {
		return nil, fmt.Errorf("retry: queue must not be nil")
	}
	if policy == nil {
		var err error
		policy, err = NewPolicy()
		if err != nil {
			return nil, err
		}
	}

	s := &Scheduler{
		queue:  q,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PartitionKey formats the conflict scope of a resource. Tasks sharing the
// key retry in strict submission order; unrelated resources retry in
// parallel.
func PartitionKey(tenant, resourceType, resourceID string) string {
	return fmt.Sprintf("dcb:%s:%s:%s", tenant, resourceType, resourceID)
}

// HandleConflict schedules the next retry of a conflicted operation, or
// rejects it when the attempt budget is spent. The enqueued task carries
// the operation's args with expectedVersion and attempt merged in, so the
// delivery re-executes against the version that won the race.
func (s *Scheduler) HandleConflict(ctx context.Context, op OperationRef, c Conflict, rc RetryContext) (Outcome, error) {
	if rc.Attempt >= s.policy.MaxAttempts() {
		s.logger.Warn("retry budget exhausted",
			"operation", op.Operation,
			"resource_type", op.ResourceType,
			"resource_id", op.ResourceID,
			"attempt", rc.Attempt,
			"max_attempts", s.policy.MaxAttempts(),
		)
		s.metrics.RecordRetryExhausted(ctx, op.Operation)
		return Outcome{
			Status:  OutcomeRejected,
			Code:    CodeMaxRetriesExceeded,
			Message: fmt.Sprintf("operation %s gave up after %d attempts", op.Operation, rc.Attempt),
		}, nil
	}

	delay, err := s.policy.Delay(rc.Attempt)
	if err != nil {
		return Outcome{}, fmt.Errorf("compute backoff: %w", err)
	}

	args := make(map[string]any, len(rc.Args)+2)
	for k, v := range rc.Args {
		args[k] = v
	}
	args[ArgExpectedVersion] = c.CurrentVersion
	args[ArgAttempt] = rc.Attempt + 1

	raw, err := json.Marshal(args)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal retry args: %w", err)
	}

	partition := PartitionKey(op.Tenant, op.ResourceType, op.ResourceID)
	taskID, err := s.queue.Enqueue(ctx, &queue.Task{
		Operation:    op.Operation,
		Args:         raw,
		PartitionKey: partition,
		Delay:        delay,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("enqueue retry task: %w", err)
	}

	s.logger.Debug("conflict retry scheduled",
		"operation", op.Operation,
		"task_id", taskID,
		"partition_key", partition,
		"retry_attempt", rc.Attempt+1,
		"delay", delay,
	)
	s.metrics.RecordRetryScheduled(ctx, op.Operation, delay)

	return Outcome{
		Status:         OutcomeDeferred,
		TaskID:         taskID,
		RetryAttempt:   rc.Attempt + 1,
		ScheduledAfter: delay,
	}, nil
}
