package sqlite

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
)

func TestMain(m *testing.M) {
	// Fixed clock for deterministic timestamps.
	domain.TimeFunc = func() time.Time {
		return time.UnixMilli(1700000000000)
	}
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(
		WithMemoryDatabase(),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}
