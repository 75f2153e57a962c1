package memqueue_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/queue"
	"github.com/plaenen/commandkernel/pkg/queue/memqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects deliveries and signals each one on a channel.
type recorder struct {
	mu         sync.Mutex
	deliveries []*queue.Delivery
	signal     chan *queue.Delivery
	fail       func(d *queue.Delivery) error
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan *queue.Delivery, 64)}
}

func (r *recorder) handle(ctx context.Context, d *queue.Delivery) error {
	if r.fail != nil {
		if err := r.fail(d); err != nil {
			return err
		}
	}
	cp := *d
	r.mu.Lock()
	r.deliveries = append(r.deliveries, &cp)
	r.mu.Unlock()
	r.signal <- &cp
	return nil
}

func (r *recorder) wait(t *testing.T) *queue.Delivery {
	t.Helper()
	select {
	case d := <-r.signal:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func discardLogger() memqueue.Option {
	return memqueue.WithLogger(slog.New(slog.DiscardHandler))
}

func TestQueue_DeliversTask(t *testing.T) {
	r := newRecorder()
	q := memqueue.New(r.handle, discardLogger())
	defer q.Close()

	id, err := q.Enqueue(context.Background(), &queue.Task{
		Operation: "op.test",
		Args:      []byte(`{"n":1}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	d := r.wait(t)
	assert.Equal(t, id, d.TaskID)
	assert.Equal(t, "op.test", d.Operation)
	assert.Equal(t, []byte(`{"n":1}`), d.Args)
	assert.Equal(t, 1, d.Attempt)
}

func TestQueue_PartitionDeliversInOrder(t *testing.T) {
	r := newRecorder()
	q := memqueue.New(r.handle, discardLogger())
	defer q.Close()

	for i := 0; i < 8; i++ {
		_, err := q.Enqueue(context.Background(), &queue.Task{
			ID:           "t-" + string(rune('0'+i)),
			Operation:    "op.ordered",
			PartitionKey: "p1",
		})
		require.NoError(t, err)
	}

	for i := 0; i < 8; i++ {
		d := r.wait(t)
		assert.Equal(t, "t-"+string(rune('0'+i)), d.TaskID)
	}
}

func TestQueue_PartitionsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	done := make(chan string, 2)
	handler := func(ctx context.Context, d *queue.Delivery) error {
		if d.Operation == "op.slow" {
			<-release
		}
		done <- d.Operation
		return nil
	}
	q := memqueue.New(handler, discardLogger())

	_, err := q.Enqueue(context.Background(), &queue.Task{Operation: "op.slow", PartitionKey: "p1"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), &queue.Task{Operation: "op.fast", PartitionKey: "p2"})
	require.NoError(t, err)

	// The fast partition finishes while the slow one is still blocked.
	select {
	case op := <-done:
		assert.Equal(t, "op.fast", op)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fast partition")
	}
	close(release)
	<-done
	q.Close()
}

func TestQueue_DelayPostponesDelivery(t *testing.T) {
	r := newRecorder()
	q := memqueue.New(r.handle, discardLogger())
	defer q.Close()

	start := time.Now()
	_, err := q.Enqueue(context.Background(), &queue.Task{
		Operation: "op.delayed",
		Delay:     80 * time.Millisecond,
	})
	require.NoError(t, err)

	r.wait(t)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestQueue_RetriesThenDeadLetters(t *testing.T) {
	boom := errors.New("handler boom")
	r := newRecorder()
	r.fail = func(d *queue.Delivery) error { return boom }

	dead := make(chan *queue.Delivery, 1)
	q := memqueue.New(r.handle,
		discardLogger(),
		memqueue.WithRetryDelay(5*time.Millisecond),
		memqueue.WithDeadLetter(func(ctx context.Context, d *queue.Delivery, cause error) {
			assert.ErrorIs(t, cause, boom)
			dead <- d
		}),
	)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), &queue.Task{
		Operation:   "op.doomed",
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	select {
	case d := <-dead:
		assert.Equal(t, 3, d.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}
}

func TestQueue_SucceedsAfterRetry(t *testing.T) {
	r := newRecorder()
	boom := errors.New("first attempt fails")
	r.fail = func(d *queue.Delivery) error {
		if d.Attempt == 1 {
			return boom
		}
		return nil
	}
	q := memqueue.New(r.handle, discardLogger(), memqueue.WithRetryDelay(5*time.Millisecond))
	defer q.Close()

	_, err := q.Enqueue(context.Background(), &queue.Task{Operation: "op.flaky"})
	require.NoError(t, err)

	d := r.wait(t)
	assert.Equal(t, 2, d.Attempt)
}

func TestQueue_OnCompleteChains(t *testing.T) {
	r := newRecorder()
	q := memqueue.New(r.handle, discardLogger())
	defer q.Close()

	_, err := q.Enqueue(context.Background(), &queue.Task{
		Operation:    "op.first",
		Args:         []byte(`{"k":"v"}`),
		PartitionKey: "p1",
		OnComplete:   "op.second",
	})
	require.NoError(t, err)

	first := r.wait(t)
	assert.Equal(t, "op.first", first.Operation)

	second := r.wait(t)
	assert.Equal(t, "op.second", second.Operation)
	assert.Equal(t, []byte(`{"k":"v"}`), second.Args)
}

func TestQueue_DuplicateIDDeliversOnce(t *testing.T) {
	r := newRecorder()
	q := memqueue.New(r.handle, discardLogger())
	defer q.Close()

	first, err := q.Enqueue(context.Background(), &queue.Task{ID: "t-1", Operation: "op.once"})
	require.NoError(t, err)
	again, err := q.Enqueue(context.Background(), &queue.Task{ID: "t-1", Operation: "op.once"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	r.wait(t)
	select {
	case <-r.signal:
		t.Fatal("duplicate enqueue was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueue_ClosedRejectsEnqueue(t *testing.T) {
	q := memqueue.New(func(ctx context.Context, d *queue.Delivery) error { return nil },
		discardLogger())
	q.Close()

	_, err := q.Enqueue(context.Background(), &queue.Task{Operation: "op.late"})
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}
