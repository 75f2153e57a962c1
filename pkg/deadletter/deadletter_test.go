package deadletter_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/plaenen/commandkernel/pkg/deadletter"
	"github.com/plaenen/commandkernel/pkg/queue"
)

func newTestArchive(t *testing.T) *deadletter.Archive {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	a, err := deadletter.NewArchive(bucket,
		deadletter.WithLogger(slog.New(slog.DiscardHandler)),
		deadletter.WithClock(func() time.Time { return time.UnixMilli(1700000000000) }),
	)
	require.NoError(t, err)
	return a
}

func doomedDelivery(id string) *queue.Delivery {
	return &queue.Delivery{
		TaskID:    id,
		Operation: "op.fail",
		Args:      []byte(`{"n":1}`),
		Attempt:   5,
	}
}

type captureQueue struct {
	tasks []*queue.Task
}

func (q *captureQueue) Enqueue(ctx context.Context, t *queue.Task) (string, error) {
	q.tasks = append(q.tasks, t)
	return t.ID, nil
}

func TestArchive_StoreAndLoad(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Store(ctx, "retries", doomedDelivery("task-1"), errors.New("boom")))

	entry, err := a.Load(ctx, "retries", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", entry.TaskID)
	assert.Equal(t, "retries", entry.Queue)
	assert.Equal(t, "op.fail", entry.Operation)
	assert.JSONEq(t, `{"n":1}`, string(entry.Args))
	assert.Equal(t, 5, entry.Attempt)
	assert.Equal(t, "boom", entry.Cause)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), entry.FailedAt.UTC())
}

func TestArchive_ListByQueue(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Store(ctx, "retries", doomedDelivery("task-1"), errors.New("x")))
	require.NoError(t, a.Store(ctx, "retries", doomedDelivery("task-2"), errors.New("x")))
	require.NoError(t, a.Store(ctx, "other", doomedDelivery("task-3"), errors.New("x")))

	ids, err := a.List(ctx, "retries")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, ids)

	ids, err = a.List(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-3"}, ids)
}

func TestArchive_LoadMissing(t *testing.T) {
	a := newTestArchive(t)

	_, err := a.Load(context.Background(), "retries", "absent")
	require.ErrorIs(t, err, deadletter.ErrEntryNotFound)
}

func TestArchive_Replay(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	q := &captureQueue{}

	require.NoError(t, a.Store(ctx, "retries", doomedDelivery("task-1"), errors.New("boom")))

	newID, err := a.Replay(ctx, "retries", "task-1", q)
	require.NoError(t, err)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, "task-1", newID)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, "op.fail", q.tasks[0].Operation)
	assert.JSONEq(t, `{"n":1}`, string(q.tasks[0].Args))

	// The entry is gone once replayed.
	_, err = a.Load(ctx, "retries", "task-1")
	require.ErrorIs(t, err, deadletter.ErrEntryNotFound)
}

func TestArchive_Remove(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Store(ctx, "retries", doomedDelivery("task-1"), errors.New("x")))
	require.NoError(t, a.Remove(ctx, "retries", "task-1"))

	_, err := a.Load(ctx, "retries", "task-1")
	require.ErrorIs(t, err, deadletter.ErrEntryNotFound)

	require.ErrorIs(t, a.Remove(ctx, "retries", "task-1"), deadletter.ErrEntryNotFound)
}

func TestArchive_HookArchivesDelivery(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	hook := a.Hook("retries")
	hook(ctx, doomedDelivery("task-1"), errors.New("exhausted"))

	entry, err := a.Load(ctx, "retries", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "exhausted", entry.Cause)
}
