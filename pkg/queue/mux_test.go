package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/plaenen/commandkernel/pkg/queue"
)

func TestMux(t *testing.T) {
	t.Run("DispatchRoutesToHandler", func(t *testing.T) {
		mux := queue.NewMux()
		var got *queue.Delivery
		mux.Handle("retry_command", func(ctx context.Context, d *queue.Delivery) error {
			got = d
			return nil
		})

		d := &queue.Delivery{TaskID: "t1", Operation: "retry_command", Args: []byte(`{}`), Attempt: 1}
		if err := mux.Dispatch(context.Background(), d); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
		if got == nil || got.TaskID != "t1" {
			t.Errorf("handler did not receive delivery: %+v", got)
		}
	})

	t.Run("UnknownOperation", func(t *testing.T) {
		mux := queue.NewMux()
		err := mux.Dispatch(context.Background(), &queue.Delivery{Operation: "nope"})
		if !errors.Is(err, queue.ErrUnknownOperation) {
			t.Errorf("expected unknown operation, got %v", err)
		}
	})

	t.Run("DuplicateRegistrationPanics", func(t *testing.T) {
		mux := queue.NewMux()
		h := func(ctx context.Context, d *queue.Delivery) error { return nil }
		mux.Handle("retry_command", h)

		defer func() {
			if recover() == nil {
				t.Error("expected panic on duplicate registration")
			}
		}()
		mux.Handle("retry_command", h)
	})

	t.Run("Operations", func(t *testing.T) {
		mux := queue.NewMux()
		h := func(ctx context.Context, d *queue.Delivery) error { return nil }
		mux.Handle("sweep", h)
		mux.Handle("retry_command", h)

		ops := mux.Operations()
		if len(ops) != 2 || ops[0] != "retry_command" || ops[1] != "sweep" {
			t.Errorf("unexpected operations %v", ops)
		}
	})
}
