package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// SaveState upserts the current-state projection for a stream.
func (s *Store) SaveState(ctx context.Context, streamType, streamID string, version int64, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_state (stream_type, stream_id, version, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stream_type, stream_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		streamType, streamID, version, state, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// GetState returns the serialized state and its version.
func (s *Store) GetState(ctx context.Context, streamType, streamID string) ([]byte, int64, error) {
	var (
		state   []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM stream_state
		 WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID).Scan(&state, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, domain.ErrStateNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get state: %w", err)
	}
	return state, version, nil
}
