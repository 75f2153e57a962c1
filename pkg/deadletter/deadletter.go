// Package deadletter archives tasks that exhausted their delivery attempts
// so operators can inspect, replay, or discard them. Entries are JSON
// objects in a blob bucket under deadletter/<queue>/<taskID>.json; any
// bucket gocloud.dev can open works (memory, filesystem, S3, GCS).
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/plaenen/commandkernel/pkg/idgen"
	"github.com/plaenen/commandkernel/pkg/queue"
)

// ErrEntryNotFound is returned when no archived entry matches a lookup.
var ErrEntryNotFound = errors.New("dead letter entry not found")

const keyPrefix = "deadletter"

// Entry is one archived task.
type Entry struct {
	TaskID    string    `json:"taskId"`
	Queue     string    `json:"queue"`
	Operation string    `json:"operation"`
	Args      []byte    `json:"args,omitempty"`
	Attempt   int       `json:"attempt"`
	Cause     string    `json:"cause"`
	FailedAt  time.Time `json:"failedAt"`
}

// Archive stores dead letters in a blob bucket.
type Archive struct {
	bucket *blob.Bucket
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Archive) {
		a.clock = clock
	}
}

// NewArchive wraps a bucket. The caller keeps ownership of the bucket and
// closes it after the archive is no longer used.
func NewArchive(bucket *blob.Bucket, opts ...Option) (*Archive, error) {
	if bucket == nil {
		return nil, fmt.Errorf("bucket is required")
	}
	a := &Archive{
		bucket: bucket,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func entryKey(queueName, taskID string) string {
	return path.Join(keyPrefix, queueName, taskID+".json")
}

// Store archives one exhausted task.
func (a *Archive) Store(ctx context.Context, queueName string, d *queue.Delivery, cause error) error {
	entry := Entry{
		TaskID:    d.TaskID,
		Queue:     queueName,
		Operation: d.Operation,
		Args:      d.Args,
		Attempt:   d.Attempt,
		FailedAt:  a.clock(),
	}
	if cause != nil {
		entry.Cause = cause.Error()
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", d.TaskID, err)
	}

	key := entryKey(queueName, d.TaskID)
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := a.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("write dead letter %s: %w", key, err)
	}

	a.logger.Warn("task archived as dead letter",
		"task_id", d.TaskID,
		"queue", queueName,
		"operation", d.Operation,
		"attempt", d.Attempt,
		"cause", entry.Cause,
	)
	return nil
}

// Hook adapts the archive into a queue dead-letter callback. Archive
// failures are logged, not surfaced: the task is already lost to the
// queue either way.
func (a *Archive) Hook(queueName string) queue.DeadLetterFunc {
	return func(ctx context.Context, d *queue.Delivery, cause error) {
		if err := a.Store(ctx, queueName, d, cause); err != nil {
			a.logger.Error("dead letter archive failed",
				"task_id", d.TaskID,
				"queue", queueName,
				"error", err,
			)
		}
	}
}

// List returns the task IDs archived for a queue.
func (a *Archive) List(ctx context.Context, queueName string) ([]string, error) {
	prefix := path.Join(keyPrefix, queueName) + "/"
	iter := a.bucket.List(&blob.ListOptions{Prefix: prefix})

	var ids []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		id := strings.TrimPrefix(obj.Key, prefix)
		id = strings.TrimSuffix(id, ".json")
		ids = append(ids, id)
	}
	return ids, nil
}

// Load returns one archived entry.
func (a *Archive) Load(ctx context.Context, queueName, taskID string) (*Entry, error) {
	data, err := a.bucket.ReadAll(ctx, entryKey(queueName, taskID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("read dead letter %s: %w", taskID, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", taskID, err)
	}
	return &entry, nil
}

// Replay re-enqueues an archived task under a fresh task ID and removes
// the entry. The fresh ID sidesteps enqueue deduplication against the
// original, which the queue may still remember.
func (a *Archive) Replay(ctx context.Context, queueName, taskID string, q queue.Queue) (string, error) {
	entry, err := a.Load(ctx, queueName, taskID)
	if err != nil {
		return "", err
	}

	newID, err := q.Enqueue(ctx, &queue.Task{
		ID:        idgen.MustGenerateSortableID(),
		Operation: entry.Operation,
		Args:      entry.Args,
	})
	if err != nil {
		return "", fmt.Errorf("re-enqueue dead letter %s: %w", taskID, err)
	}

	if err := a.Remove(ctx, queueName, taskID); err != nil {
		return newID, err
	}

	a.logger.Info("dead letter replayed",
		"task_id", taskID,
		"new_task_id", newID,
		"queue", queueName,
		"operation", entry.Operation,
	)
	return newID, nil
}

// Remove deletes one archived entry.
func (a *Archive) Remove(ctx context.Context, queueName, taskID string) error {
	err := a.bucket.Delete(ctx, entryKey(queueName, taskID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return ErrEntryNotFound
		}
		return fmt.Errorf("delete dead letter %s: %w", taskID, err)
	}
	return nil
}
