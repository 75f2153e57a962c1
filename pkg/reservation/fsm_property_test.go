//go:build property
// +build property

// Model-based test for the reservation state machine: random operation
// sequences run against the real service and a five-state reference
// model; every observed outcome must match the model's prediction.
package reservation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/plaenen/commandkernel/pkg/store/sqlite"
)

const (
	opReserve = iota
	opConfirm
	opRelease
	opAdvance
	opSweep
)

const (
	modelNone      = "none"
	modelReserved  = "reserved"
	modelConfirmed = "confirmed"
	modelReleased  = "released"
	modelExpired   = "expired"
)

// fsmTTL and fsmStep are coprime on purpose: the clock only ever visits
// multiples of fsmStep, so it never lands exactly on an expiry instant.
const (
	fsmTTL  = 5 * time.Minute
	fsmStep = 3 * time.Minute
)

type fsmModel struct {
	state     string
	expiresAt time.Time
}

func (m *fsmModel) elapsed(now time.Time) bool {
	return m.state == modelReserved && !m.expiresAt.After(now)
}

func (m *fsmModel) holdsKey(now time.Time) bool {
	return m.state == modelConfirmed || (m.state == modelReserved && !m.elapsed(now))
}

// guardCode predicts the error code Confirm and Release return outside
// the transitionable state.
func (m *fsmModel) guardCode(now time.Time) string {
	switch {
	case m.state == modelNone:
		return CodeNotFound
	case m.state == modelConfirmed:
		return CodeAlreadyConfirmed
	case m.state == modelReleased:
		return CodeAlreadyReleased
	case m.state == modelExpired, m.elapsed(now):
		return CodeAlreadyExpired
	default:
		return ""
	}
}

func runReservationSequence(ops []int) bool {
	ctx := context.Background()

	st, err := sqlite.New(
		sqlite.WithMemoryDatabase(),
		sqlite.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		return false
	}
	defer st.Close()

	now := time.UnixMilli(1700000000000)
	svc, err := NewService(st,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		return false
	}

	id := ReservationID("email:fsm@example.com")
	m := &fsmModel{state: modelNone}

	for _, op := range ops {
		switch op {
		case opReserve:
			res, err := svc.Reserve(ctx, ReserveRequest{
				Type:  "email",
				Value: "fsm@example.com",
				TTL:   fsmTTL,
			})
			if err != nil {
				return false
			}
			if m.holdsKey(now) {
				if res.Status != ReserveConflict {
					return false
				}
			} else {
				if res.Status != ReserveReserved {
					return false
				}
				m.state = modelReserved
				m.expiresAt = now.Add(fsmTTL)
			}

		case opConfirm:
			res, err := svc.Confirm(ctx, id, "entity-1")
			if err != nil {
				return false
			}
			if code := m.guardCode(now); code != "" {
				if res.Status != ConfirmError || res.Code != code {
					return false
				}
			} else {
				if res.Status != ConfirmConfirmed {
					return false
				}
				m.state = modelConfirmed
			}

		case opRelease:
			res, err := svc.Release(ctx, id)
			if err != nil {
				return false
			}
			if code := m.guardCode(now); code != "" {
				if res.Status != ReleaseError || res.Code != code {
					return false
				}
			} else {
				if res.Status != ReleaseReleased {
					return false
				}
				m.state = modelReleased
			}

		case opAdvance:
			now = now.Add(fsmStep)

		case opSweep:
			stats, err := svc.ExpireBatch(ctx, 100)
			if err != nil {
				return false
			}
			if m.elapsed(now) {
				if stats.Expired != 1 {
					return false
				}
				m.state = modelExpired
			} else if stats.Expired != 0 {
				return false
			}
		}
	}
	return true
}

// TestReservationFSMProperty verifies the service against the reference
// model over random operation sequences.
// Property: outcome(op) == model(op) for every prefix of the sequence
func TestReservationFSMProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("service follows the reference model", prop.ForAll(
		runReservationSequence,
		gen.SliceOf(gen.IntRange(opReserve, opSweep)),
	))

	properties.TestingRun(t)
}
