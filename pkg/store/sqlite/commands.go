package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// InsertCommand records first sight of a commandId. The primary key makes
// concurrent duplicates resolve to a single winner.
func (s *Store) InsertCommand(ctx context.Context, r *domain.CommandRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, command_type, status, fingerprint,
			result, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CommandID, r.CommandType, string(r.Status), r.Fingerprint,
		r.Result, r.ExpiresAt.UnixMilli(),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCommandExists
		}
		return fmt.Errorf("insert command record: %w", err)
	}
	return nil
}

// GetCommand returns the ledger record for commandID.
func (s *Store) GetCommand(ctx context.Context, commandID string) (*domain.CommandRecord, error) {
	var (
		r           domain.CommandRecord
		status      string
		expiresMS   int64
		createdMS   int64
		updatedMS   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT command_id, command_type, status, fingerprint, result,
			expires_at, created_at, updated_at
		FROM commands WHERE command_id = ?`, commandID).Scan(
		&r.CommandID, &r.CommandType, &status, &r.Fingerprint, &r.Result,
		&expiresMS, &createdMS, &updatedMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command record: %w", err)
	}
	r.Status = domain.CommandStatus(status)
	r.ExpiresAt = timeFromUnixMilli(expiresMS)
	r.CreatedAt = timeFromUnixMilli(createdMS)
	r.UpdatedAt = timeFromUnixMilli(updatedMS)
	return &r, nil
}

// CompleteCommand transitions pending to a terminal status exactly once.
func (s *Store) CompleteCommand(ctx context.Context, commandID string, status domain.CommandStatus, result []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, result = ?, updated_at = ?
		WHERE command_id = ? AND status = ?`,
		string(status), result, at.UnixMilli(),
		commandID, string(domain.CommandPending),
	)
	if err != nil {
		return fmt.Errorf("complete command record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete command record: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetCommand(ctx, commandID); errors.Is(err, domain.ErrCommandNotFound) {
			return domain.ErrCommandNotFound
		}
		return domain.ErrCommandAlreadyTerminal
	}
	return nil
}

// DeleteExpiredCommands purges records past retention.
func (s *Store) DeleteExpiredCommands(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM commands WHERE command_id IN (
			SELECT command_id FROM commands
			WHERE expires_at <= ? LIMIT ?
		)`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired commands: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired commands: %w", err)
	}
	return int(affected), nil
}
