package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
)

const reservationColumns = `reservation_id, key, status, expires_at,
	entity_id, version, correlation_id, created_at, updated_at`

// InsertReservation creates the row for a newly seen key.
func (s *Store) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (reservation_id, key, status, expires_at,
			entity_id, version, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Key, string(r.Status), nullableUnixMilli(r.ExpiresAt),
		r.EntityID, r.Version, r.CorrelationID,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// The row already exists for this key; the caller re-reads and
			// resolves against the live record.
			return domain.NewVersionConflictError("reservation", r.ID, 0, r.Version)
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// UpdateReservation writes the record guarded by expectedVersion.
func (s *Store) UpdateReservation(ctx context.Context, r *domain.Reservation, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = ?, expires_at = ?, entity_id = ?, version = ?,
			correlation_id = ?, updated_at = ?
		WHERE reservation_id = ? AND version = ?`,
		string(r.Status), nullableUnixMilli(r.ExpiresAt), r.EntityID,
		r.Version, r.CorrelationID, r.UpdatedAt.UnixMilli(),
		r.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if affected == 0 {
		return domain.NewVersionConflictError("reservation", r.ID, expectedVersion, r.Version)
	}
	return nil
}

// GetReservation returns the record by ID.
func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = ?`, id)
	return scanReservation(row)
}

// GetReservationByKey returns the record for a key regardless of status.
func (s *Store) GetReservationByKey(ctx context.Context, key string) (*domain.Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE key = ?`, key)
	return scanReservation(row)
}

// ListExpiredReservations returns reserved rows whose TTL elapsed.
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at
		 LIMIT ?`,
		string(domain.ReservationReserved), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return reservations, nil
}

// MarkReservationExpired flips one reserved, elapsed row to expired.
func (s *Store) MarkReservationExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = ?, version = version + 1, updated_at = ?
		WHERE reservation_id = ? AND status = ?
			AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(domain.ReservationExpired), now.UnixMilli(),
		id, string(domain.ReservationReserved), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark reservation expired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reservation expired: %w", err)
	}
	return affected > 0, nil
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var (
		r           domain.Reservation
		status      string
		expiresAtMS sql.NullInt64
		createdMS   int64
		updatedMS   int64
	)
	err := row.Scan(
		&r.ID, &r.Key, &status, &expiresAtMS, &r.EntityID,
		&r.Version, &r.CorrelationID, &createdMS, &updatedMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	r.Status = domain.ReservationStatus(status)
	if expiresAtMS.Valid {
		t := timeFromUnixMilli(expiresAtMS.Int64)
		r.ExpiresAt = &t
	}
	r.CreatedAt = timeFromUnixMilli(createdMS)
	r.UpdatedAt = timeFromUnixMilli(updatedMS)
	return &r, nil
}
