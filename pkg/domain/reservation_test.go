package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReservationActiveAt(t *testing.T) {
	now := time.Unix(1700000000, 0)
	expiry := now.Add(5 * time.Minute)

	tests := []struct {
		name   string
		res    Reservation
		at     time.Time
		active bool
	}{
		{
			name:   "reserved before expiry",
			res:    Reservation{Status: ReservationReserved, ExpiresAt: &expiry},
			at:     now,
			active: true,
		},
		{
			name:   "reserved at expiry instant",
			res:    Reservation{Status: ReservationReserved, ExpiresAt: &expiry},
			at:     expiry,
			active: false,
		},
		{
			name:   "reserved past expiry but not yet swept",
			res:    Reservation{Status: ReservationReserved, ExpiresAt: &expiry},
			at:     expiry.Add(time.Second),
			active: false,
		},
		{
			name:   "confirmed is permanent but not active",
			res:    Reservation{Status: ReservationConfirmed, ExpiresAt: nil},
			at:     expiry.Add(24 * time.Hour),
			active: false,
		},
		{
			name:   "released is not active",
			res:    Reservation{Status: ReservationReleased, ExpiresAt: &expiry},
			at:     now,
			active: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.res.ActiveAt(tt.at))
		})
	}
}

func TestReservationExpiredBy(t *testing.T) {
	now := time.Unix(1700000000, 0)
	expiry := now.Add(time.Minute)

	unexpired := Reservation{Status: ReservationReserved, ExpiresAt: &expiry}
	assert.False(t, unexpired.ExpiredBy(now))
	assert.True(t, unexpired.ExpiredBy(expiry))
	assert.True(t, unexpired.ExpiredBy(expiry.Add(time.Hour)))

	confirmed := Reservation{Status: ReservationConfirmed}
	assert.False(t, confirmed.ExpiredBy(now.Add(48*time.Hour)))
}

func TestReservationTerminal(t *testing.T) {
	assert.False(t, (&Reservation{Status: ReservationReserved}).Terminal())
	assert.True(t, (&Reservation{Status: ReservationConfirmed}).Terminal())
	assert.True(t, (&Reservation{Status: ReservationReleased}).Terminal())
	assert.True(t, (&Reservation{Status: ReservationExpired}).Terminal())
}

func TestDeciderOutputVariants(t *testing.T) {
	draft := &EventDraft{EventType: "order.created", Payload: map[string]any{"id": "o1"}}

	success := Success(map[string]any{"orderId": "o1"}, draft, map[string]any{"status": "created"})
	assert.True(t, success.IsSuccess())
	assert.Equal(t, OutputSuccess, success.Status)
	assert.NotNil(t, success.Event)

	rejected := Rejected("INVALID_QUANTITY", "quantity must be positive")
	assert.True(t, rejected.IsRejected())
	assert.Nil(t, rejected.Event)
	assert.Equal(t, "INVALID_QUANTITY", rejected.Code)

	failed := Failed("insufficient stock", &EventDraft{EventType: "inventory.reservation_failed"})
	assert.True(t, failed.IsFailed())
	assert.NotNil(t, failed.Event, "failed outcomes are durably recorded")
}
