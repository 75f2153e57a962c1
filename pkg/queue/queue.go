// Package queue defines the durable task queue consumed by the retry
// scheduler and the runtime dispatchers. Implementations provide
// at-least-once delivery with per-partition FIFO ordering: tasks sharing a
// partition key are delivered in enqueue order, one at a time; tasks in
// different partitions are independent. Exactly-once effect is the job of
// the idempotency layer above, never of the queue.
package queue

import (
	"context"
	"time"
)

// DefaultMaxAttempts bounds deliveries of a task before it is dead-lettered.
const DefaultMaxAttempts = 5

// Task is a unit of deferred work handed to Enqueue.
type Task struct {
	// ID deduplicates enqueues of the same logical task. Generated when
	// empty.
	ID string

	// Operation names the handler that processes the task.
	Operation string

	// Args is the handler payload, serialized by the caller.
	Args []byte

	// PartitionKey serializes delivery: tasks sharing a key deliver in
	// enqueue order. An empty key means no ordering requirement.
	PartitionKey string

	// Delay postpones the earliest delivery.
	Delay time.Duration

	// MaxAttempts overrides DefaultMaxAttempts when positive.
	MaxAttempts int

	// OnComplete optionally names an operation enqueued with the same
	// args and partition key once this task completes successfully.
	OnComplete string
}

// Delivery is a single delivery attempt of a task to its handler.
type Delivery struct {
	TaskID    string
	Operation string
	Args      []byte
	Attempt   int
}

// Handler processes one delivery. Returning an error requeues the task
// until its attempts are exhausted, after which it is dead-lettered.
type Handler func(ctx context.Context, d *Delivery) error

// DeadLetterFunc is invoked when a task exhausts its delivery attempts.
// The cause is the last handler error.
type DeadLetterFunc func(ctx context.Context, d *Delivery, cause error)

// Queue enqueues durable tasks.
type Queue interface {
	// Enqueue submits a task and returns its ID. The task becomes
	// deliverable after its delay.
	Enqueue(ctx context.Context, t *Task) (string, error)
}
