package store

import (
	"context"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// EventStore persists events into versioned streams with optimistic
// concurrency control. The expected-version check on append is the
// kernel's single concurrency-control primitive.
type EventStore interface {
	// AppendToStream appends events to a stream atomically, enforcing that
	// the stream head equals expectedVersion. Returns the new head version.
	// Returns a *domain.VersionConflictError (matching
	// domain.ErrVersionConflict) carrying the current head on mismatch.
	// Event idempotency keys are unique across the store.
	AppendToStream(ctx context.Context, streamType, streamID string, expectedVersion int64, events []*domain.Event) (int64, error)

	// GetByIdempotencyKey returns the event previously appended under the
	// given idempotency key, or domain.ErrEventNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error)

	// LoadStream returns a stream's events with version > afterVersion, in
	// version order. An unknown stream yields an empty slice.
	LoadStream(ctx context.Context, streamType, streamID string, afterVersion int64) ([]*domain.Event, error)

	// StreamVersion returns the stream's current head version, 0 when the
	// stream has no events.
	StreamVersion(ctx context.Context, streamType, streamID string) (int64, error)

	// LoadAll returns events from all streams in global insertion order,
	// starting after fromPosition, at most limit. Used for projections and
	// investigation tooling.
	LoadAll(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error)
}
