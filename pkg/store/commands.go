package store

import (
	"context"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// CommandStore is the idempotency ledger. Each commandId maps to exactly
// one record, created pending and transitioned exactly once to a terminal
// status.
type CommandStore interface {
	// InsertCommand records first sight of a commandId. Concurrent
	// duplicates resolve to a single winner: losers receive
	// domain.ErrCommandExists.
	InsertCommand(ctx context.Context, r *domain.CommandRecord) error

	// GetCommand returns the record, or domain.ErrCommandNotFound.
	GetCommand(ctx context.Context, commandID string) (*domain.CommandRecord, error)

	// CompleteCommand transitions pending to the given terminal status and
	// caches the result. Returns domain.ErrCommandAlreadyTerminal if the
	// record already left pending, domain.ErrCommandNotFound if absent.
	CompleteCommand(ctx context.Context, commandID string, status domain.CommandStatus, result []byte, at time.Time) error

	// DeleteExpiredCommands purges records whose retention elapsed.
	// Returns the number removed.
	DeleteExpiredCommands(ctx context.Context, now time.Time, limit int) (int, error)
}
