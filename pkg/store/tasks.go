package store

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a queued task row.
type TaskStatus string

const (
	// TaskPending is waiting to become due and be claimed
	TaskPending TaskStatus = "pending"

	// TaskProcessing is claimed under a lease
	TaskProcessing TaskStatus = "processing"

	// TaskDead exhausted its delivery attempts
	TaskDead TaskStatus = "dead"
)

// TaskRecord is a durable task row. Seq orders tasks within a partition;
// completed tasks are deleted, dead tasks are retained for requeue.
type TaskRecord struct {
	ID           string
	Operation    string
	Args         []byte
	PartitionKey string

	// OnComplete optionally names an operation enqueued with the same
	// args and partition after this task completes.
	OnComplete string

	Status      TaskStatus
	Attempts    int
	MaxAttempts int
	DueAt       time.Time
	LeaseUntil  *time.Time
	LastError   string
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
	Seq         int64
}

// TaskCounts summarizes queue depth by status.
type TaskCounts struct {
	Pending    int64
	Processing int64
	Dead       int64
}

// TaskStore persists durable tasks with at-least-once claim semantics and
// per-partition serialization: at most one task per partition key is
// processing at a time, and tasks within a partition are claimed in
// enqueue order.
type TaskStore interface {
	// EnqueueTask inserts a pending task. Inserting a task ID that
	// already exists is a no-op.
	EnqueueTask(ctx context.Context, t *TaskRecord) error

	// ClaimDueTasks marks up to limit due tasks processing under a lease
	// and returns them, incrementing Attempts. Tasks whose lease expired
	// are reclaimed. Partitions with a task already processing are skipped.
	ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*TaskRecord, error)

	// CompleteTask removes a delivered task.
	CompleteTask(ctx context.Context, id string) error

	// RetryTask returns a claimed task to pending, due again at dueAt.
	RetryTask(ctx context.Context, id string, dueAt time.Time, lastError string) error

	// MarkTaskDead retains a task whose attempts are exhausted.
	MarkTaskDead(ctx context.Context, id string, lastError string, at time.Time) error

	// ListDeadTasks returns up to limit dead tasks, oldest first.
	ListDeadTasks(ctx context.Context, limit int) ([]*TaskRecord, error)

	// RequeueDeadTask returns a dead task to pending with a fresh attempt
	// budget. Returns domain.ErrTaskNotFound if absent or not dead.
	RequeueDeadTask(ctx context.Context, id string, dueAt time.Time) error

	// CountTasks reports queue depth by status.
	CountTasks(ctx context.Context) (TaskCounts, error)
}
