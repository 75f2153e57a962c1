package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/plaenen/commandkernel/pkg/domain"
)

const eventColumns = `position, event_id, stream_type, stream_id, event_type,
	version, timestamp, payload, idempotency_key, metadata`

// AppendToStream appends events atomically at expectedVersion. Versions,
// timestamps and global positions are assigned here and written back into
// the passed events.
func (s *Store) AppendToStream(ctx context.Context, streamType, streamID string, expectedVersion int64, events []*domain.Event) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	current, err := streamVersionTx(ctx, tx, streamType, streamID)
	if err != nil {
		return 0, err
	}
	if current != expectedVersion {
		return 0, domain.NewVersionConflictError(streamType, streamID, expectedVersion, current)
	}

	version := current
	for _, event := range events {
		version++
		event.StreamType = streamType
		event.StreamID = streamID
		event.Version = version
		if event.Timestamp.IsZero() {
			event.Timestamp = s.now()
		}

		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal event metadata: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, stream_type, stream_id, event_type,
				version, timestamp, payload, idempotency_key, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, streamType, streamID, event.EventType,
			version, event.Timestamp.UnixMilli(), event.Payload,
			nullableKey(event.IdempotencyKey), string(metadata),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Another writer landed first: either the same stream
				// version or the same idempotency key. Surface a conflict
				// with the live head so the caller can re-check.
				head, verr := s.streamVersion(ctx, streamType, streamID)
				if verr != nil {
					head = current
				}
				return 0, domain.NewVersionConflictError(streamType, streamID, expectedVersion, head)
			}
			return 0, fmt.Errorf("insert event: %w", err)
		}
		position, err := res.LastInsertId()
		if err == nil {
			event.GlobalPosition = position
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return version, nil
}

// GetByIdempotencyKey returns the event stored under key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error) {
	if key == "" {
		return nil, domain.ErrEventNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE idempotency_key = ?`, key)
	return scanEvent(row)
}

// LoadStream returns events with version > afterVersion in version order.
func (s *Store) LoadStream(ctx context.Context, streamType, streamID string, afterVersion int64) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_type = ? AND stream_id = ? AND version > ?
		 ORDER BY version`,
		streamType, streamID, afterVersion)
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// StreamVersion returns the stream head, 0 when the stream has no events.
func (s *Store) StreamVersion(ctx context.Context, streamType, streamID string) (int64, error) {
	return s.streamVersion(ctx, streamType, streamID)
}

// LoadAll returns events across all streams in insertion order.
func (s *Store) LoadAll(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE position > ?
		 ORDER BY position
		 LIMIT ?`,
		fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("load all events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) streamVersion(ctx context.Context, streamType, streamID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events
		 WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return version, nil
}

func streamVersionTx(ctx context.Context, tx *sql.Tx, streamType, streamID string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events
		 WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return version, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		event       domain.Event
		timestampMS int64
		idemKey     sql.NullString
		metadata    string
	)
	err := row.Scan(
		&event.GlobalPosition, &event.ID, &event.StreamType, &event.StreamID,
		&event.EventType, &event.Version, &timestampMS, &event.Payload,
		&idemKey, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	event.Timestamp = timeFromUnixMilli(timestampMS)
	event.IdempotencyKey = idemKey.String
	if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal event metadata: %w", err)
	}
	return &event, nil
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func nullableKey(key string) any {
	if key == "" {
		return nil
	}
	return key
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
