// Package decider hosts pure decision functions and the registry that maps
// command types to them. A decider inspects the current entity state and a
// command and returns a tagged output; it never touches storage, clocks or
// randomness directly. Everything non-deterministic a decision may need
// arrives through the DecisionContext, which keeps deciders replayable and
// trivially testable.
package decider

import (
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// DecisionContext carries the controlled non-deterministic inputs of a
// decision. Deciders must derive everything time- or identity-dependent from
// these fields rather than calling time.Now or generating IDs themselves.
type DecisionContext struct {
	// Now is the instant the command is being processed
	Now time.Time

	// CommandID identifies the command, for deterministic derived IDs
	CommandID string

	// CorrelationID links the decision to its originating workflow
	CorrelationID string

	// TenantID scopes the decision in multi-tenant deployments
	TenantID string
}

// DecideFunc decides a command against the current state. It must be pure:
// same state, command and context always yield the same output, and the
// inputs are never mutated.
type DecideFunc func(state map[string]any, cmd *domain.Command, dc DecisionContext) domain.DeciderOutput

// EvolveFunc applies an event to a state and returns the next state. It is
// the replay companion of a decider: folding the stream's events through
// evolve reconstructs the state a decider would observe. Implementations
// must not mutate the input state.
type EvolveFunc func(state map[string]any, event domain.EventDraft) map[string]any

// Definition binds a command type to its decider and home stream type, with
// an optional JSON schema (draft 2020-12) validated against the command
// payload before the decider runs.
type Definition struct {
	CommandType   string
	StreamType    string
	Decide        DecideFunc
	PayloadSchema string
}
