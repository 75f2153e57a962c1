package store

import (
	"context"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// ReservationStore persists reservation records. One row exists per key
// (the reservation ID is a deterministic hash of the key); rows are never
// deleted, only transitioned.
type ReservationStore interface {
	// InsertReservation creates the row for a key seen for the first time.
	InsertReservation(ctx context.Context, r *domain.Reservation) error

	// UpdateReservation writes the record guarded by expectedVersion,
	// incrementing to r.Version. Returns domain.ErrVersionConflict when
	// another writer got there first.
	UpdateReservation(ctx context.Context, r *domain.Reservation, expectedVersion int64) error

	// GetReservation returns the record by ID, or domain.ErrReservationNotFound.
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)

	// GetReservationByKey returns the record for a key regardless of
	// status, or domain.ErrReservationNotFound.
	GetReservationByKey(ctx context.Context, key string) (*domain.Reservation, error)

	// ListExpiredReservations returns up to limit records with status
	// reserved and expiresAt <= now, oldest expiry first.
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error)

	// MarkReservationExpired flips one record to expired, guarded by
	// status=reserved and expiresAt <= now. Returns false when another
	// sweep already flipped it (a no-op, not an error).
	MarkReservationExpired(ctx context.Context, id string, now time.Time) (bool, error)
}
