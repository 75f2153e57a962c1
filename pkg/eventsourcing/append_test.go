package eventsourcing_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/eventsourcing"
	"github.com/plaenen/commandkernel/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(
		sqlite.WithMemoryDatabase(),
		sqlite.WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testClock() time.Time {
	return time.UnixMilli(1700000000000)
}

func newTestAppender(t *testing.T, s *sqlite.Store) *eventsourcing.Appender {
	t.Helper()
	a, err := eventsourcing.NewAppender(s,
		eventsourcing.WithAppenderLogger(slog.New(slog.DiscardHandler)),
		eventsourcing.WithAppenderClock(testClock),
	)
	require.NoError(t, err)
	return a
}

func TestAppend_NewEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := newTestAppender(t, s)

	res, err := a.Append(ctx, eventsourcing.AppendRequest{
		StreamType:     "order",
		StreamID:       "o-1",
		EventType:      "order.placed",
		Payload:        map[string]any{"total": 42},
		IdempotencyKey: "order.place:o-1:cmd-1",
	})
	require.NoError(t, err)

	assert.Equal(t, eventsourcing.AppendAppended, res.Status)
	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, int64(1), res.Version)
	require.NotNil(t, res.Event)
	assert.Equal(t, testClock(), res.Event.Timestamp)

	head, err := s.StreamVersion(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestAppend_SameKeyYieldsOneEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := newTestAppender(t, s)

	req := eventsourcing.AppendRequest{
		StreamType:     "order",
		StreamID:       "o-1",
		EventType:      "order.placed",
		Payload:        map[string]any{"total": 42},
		IdempotencyKey: "order.place:o-1:cmd-1",
	}

	first, err := a.Append(ctx, req)
	require.NoError(t, err)
	require.Equal(t, eventsourcing.AppendAppended, first.Status)

	for i := 0; i < 3; i++ {
		res, err := a.Append(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, eventsourcing.AppendDuplicate, res.Status)
		assert.Equal(t, first.EventID, res.EventID)
		assert.Equal(t, first.Version, res.Version)
	}

	events, err := s.LoadStream(ctx, "order", "o-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppend_VersionsAreContiguous(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := newTestAppender(t, s)

	for i := 1; i <= 3; i++ {
		res, err := a.Append(ctx, eventsourcing.AppendRequest{
			StreamType:     "order",
			StreamID:       "o-1",
			EventType:      "order.updated",
			IdempotencyKey: eventsourcing.CommandKey("order.update", "o-1", string(rune('a'+i))),
		})
		require.NoError(t, err)
		require.Equal(t, eventsourcing.AppendAppended, res.Status)
		assert.Equal(t, int64(i), res.Version)
	}
}

func TestAppend_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := newTestAppender(t, s)

	_, err := a.Append(ctx, eventsourcing.AppendRequest{
		StreamType:     "order",
		StreamID:       "o-1",
		EventType:      "order.placed",
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)

	stale := int64(0)
	res, err := a.Append(ctx, eventsourcing.AppendRequest{
		StreamType:      "order",
		StreamID:        "o-1",
		EventType:       "order.updated",
		IdempotencyKey:  "k-2",
		ExpectedVersion: &stale,
	})
	require.NoError(t, err)

	assert.Equal(t, eventsourcing.AppendConflict, res.Status)
	assert.Equal(t, int64(1), res.CurrentVersion)

	// Nothing was written by the conflicted attempt.
	head, err := s.StreamVersion(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

// maskFirstLookup hides the first idempotency lookup so the append path
// behaves as if a concurrent writer landed the key between lookup and
// append.
type maskFirstLookup struct {
	*sqlite.Store
	calls int
}

func (m *maskFirstLookup) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error) {
	m.calls++
	if m.calls == 1 {
		return nil, domain.ErrEventNotFound
	}
	return m.Store.GetByIdempotencyKey(ctx, key)
}

func TestAppend_ConflictRecheckResolvesDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seeded, err := newTestAppender(t, s).Append(ctx, eventsourcing.AppendRequest{
		StreamType:     "order",
		StreamID:       "o-1",
		EventType:      "order.placed",
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)
	require.Equal(t, eventsourcing.AppendAppended, seeded.Status)

	masked, err := eventsourcing.NewAppender(&maskFirstLookup{Store: s},
		eventsourcing.WithAppenderLogger(slog.New(slog.DiscardHandler)),
		eventsourcing.WithAppenderClock(testClock),
	)
	require.NoError(t, err)

	stale := int64(0)
	res, err := masked.Append(ctx, eventsourcing.AppendRequest{
		StreamType:      "order",
		StreamID:        "o-1",
		EventType:       "order.placed",
		IdempotencyKey:  "k-1",
		ExpectedVersion: &stale,
	})
	require.NoError(t, err)

	assert.Equal(t, eventsourcing.AppendDuplicate, res.Status)
	assert.Equal(t, seeded.EventID, res.EventID)
	assert.Equal(t, seeded.Version, res.Version)
}

func TestAppend_RequiresIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	a := newTestAppender(t, newTestStore(t))

	_, err := a.Append(ctx, eventsourcing.AppendRequest{
		StreamType: "order",
		StreamID:   "o-1",
		EventType:  "order.placed",
	})
	assert.Error(t, err)
}
