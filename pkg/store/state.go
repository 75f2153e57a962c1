package store

import "context"

// StateStore holds the current-state projection per stream, written by the
// orchestrator after each append so deciders load state without replaying
// the full stream.
type StateStore interface {
	// SaveState upserts the serialized state for a stream at version.
	SaveState(ctx context.Context, streamType, streamID string, version int64, state []byte) error

	// GetState returns the serialized state and its version, or
	// domain.ErrStateNotFound.
	GetState(ctx context.Context, streamType, streamID string) ([]byte, int64, error)
}
