package domain

import "time"

// ReservationStatus is the state of a reservation. reserved is the only
// non-terminal status; confirmed, released and expired all reject further
// transitions.
type ReservationStatus string

const (
	// ReservationReserved is the initial, time-bounded claim on a key
	ReservationReserved ReservationStatus = "reserved"

	// ReservationConfirmed is a permanent claim bound to an entity
	ReservationConfirmed ReservationStatus = "confirmed"

	// ReservationReleased is a claim freed before its TTL elapsed
	ReservationReleased ReservationStatus = "released"

	// ReservationExpired is a claim whose TTL elapsed unconfirmed
	ReservationExpired ReservationStatus = "expired"
)

// Reservation is a time-bounded claim on a uniqueness key. At most one
// reservation per key may be reserved and unexpired at any instant.
type Reservation struct {
	// ID is the deterministic hash of Key
	ID string

	// Key is the full "type:value" uniqueness key
	Key string

	Status ReservationStatus

	// ExpiresAt is nil once confirmed: confirmed reservations are permanent
	ExpiresAt *time.Time

	// EntityID is the entity the key was confirmed for, set on confirm
	EntityID string

	// Version is the optimistic-concurrency counter, incremented per transition
	Version int64

	// CorrelationID traces the flow that created the reservation
	CorrelationID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the reservation can no longer transition.
func (r *Reservation) Terminal() bool {
	return r.Status != ReservationReserved
}

// ExpiredBy reports whether the TTL elapsed at the given instant,
// regardless of whether a sweep flipped the status yet. Confirmed
// reservations never expire.
func (r *Reservation) ExpiredBy(now time.Time) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return !r.ExpiresAt.After(now)
}

// ActiveAt reports whether the reservation holds its key at the given
// instant: status reserved and TTL not yet elapsed.
func (r *Reservation) ActiveAt(now time.Time) bool {
	return r.Status == ReservationReserved && !r.ExpiredBy(now)
}
