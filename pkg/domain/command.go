package domain

import "time"

// Command is an intention to change the state of one stream. The client
// supplies ID so the command is safe to retry.
type Command struct {
	// ID is the client-supplied unique identifier (idempotency)
	ID string

	// Type is the fully qualified command type (e.g., "inventory.add_stock")
	Type string

	// StreamType and StreamID identify the target aggregate
	StreamType string
	StreamID   string

	// Payload is the structured command payload
	Payload map[string]any

	// CorrelationID traces related commands and events; generated when empty
	CorrelationID string

	// PrincipalID identifies who issued the command
	PrincipalID string
}

// CommandStatus is the lifecycle state of a command record.
type CommandStatus string

const (
	// CommandPending marks a command claimed but not yet decided
	CommandPending CommandStatus = "pending"

	// CommandExecuted marks a command whose event was appended
	CommandExecuted CommandStatus = "executed"

	// CommandRejected marks a command rejected by validation
	CommandRejected CommandStatus = "rejected"

	// CommandFailed marks a command recorded as a business failure
	CommandFailed CommandStatus = "failed"
)

// CommandRecord is the idempotency ledger entry for one commandId. Created
// on first sight, transitioned exactly once from pending to a terminal
// status, read-only afterward.
type CommandRecord struct {
	CommandID   string
	CommandType string
	Status      CommandStatus

	// Fingerprint is the canonical hash of the command payload, used to
	// detect reuse of a commandId with a different payload.
	Fingerprint string

	// Result is the cached outcome returned to duplicate submissions
	Result []byte

	// ExpiresAt bounds how long the record is retained
	ExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the record has reached a terminal status.
func (r *CommandRecord) Terminal() bool {
	return r.Status != CommandPending
}
