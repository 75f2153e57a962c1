package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned when an append's expected version does
	// not match the stream head.
	ErrVersionConflict = errors.New("version conflict: stream version mismatch")

	// ErrStreamNotFound is returned when a stream has no events.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrEventNotFound is returned when no event matches a lookup.
	ErrEventNotFound = errors.New("event not found")

	// ErrCommandNotFound is returned when no command record matches a lookup.
	ErrCommandNotFound = errors.New("command record not found")

	// ErrCommandExists is returned when inserting a command record whose
	// commandId is already recorded (the concurrent duplicate lost the race).
	ErrCommandExists = errors.New("command record already exists")

	// ErrStateNotFound is returned when no state snapshot matches a lookup.
	ErrStateNotFound = errors.New("state not found")

	// ErrCommandReused is returned when a commandId is reused with a
	// different payload fingerprint.
	ErrCommandReused = errors.New("command id reused with a different payload")

	// ErrCommandAlreadyTerminal is returned when a command record is
	// transitioned twice.
	ErrCommandAlreadyTerminal = errors.New("command record already terminal")

	// ErrReservationNotFound is returned when no reservation matches a lookup.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrTaskNotFound is returned when no task matches a lookup.
	ErrTaskNotFound = errors.New("task not found")

	// ErrQueueClosed is returned when enqueueing on a stopped queue.
	ErrQueueClosed = errors.New("task queue closed")
)

// VersionConflictError reports an optimistic-concurrency conflict together
// with the store's current head version so the caller can retry.
type VersionConflictError struct {
	StreamType string
	StreamID   string
	Expected   int64
	Current    int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s:%s: expected %d, current %d",
		e.StreamType, e.StreamID, e.Expected, e.Current)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// NewVersionConflictError creates a version conflict error.
func NewVersionConflictError(streamType, streamID string, expected, current int64) error {
	return &VersionConflictError{
		StreamType: streamType,
		StreamID:   streamID,
		Expected:   expected,
		Current:    current,
	}
}

// CommandReusedError reports a commandId resubmitted with a payload that
// does not match the original fingerprint.
type CommandReusedError struct {
	CommandID   string
	Fingerprint string
	Submitted   string
}

func (e *CommandReusedError) Error() string {
	return fmt.Sprintf("command %s reused with a different payload (recorded %s, submitted %s)",
		e.CommandID, e.Fingerprint, e.Submitted)
}

func (e *CommandReusedError) Is(target error) bool {
	return target == ErrCommandReused
}
