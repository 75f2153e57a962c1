package eventsourcing

import (
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// ProcessStatus discriminates the variants of a ProcessResult.
type ProcessStatus string

const (
	// ProcessExecuted means the command's event was appended
	ProcessExecuted ProcessStatus = "executed"

	// ProcessRejected means validation failed; nothing was appended
	ProcessRejected ProcessStatus = "rejected"

	// ProcessFailed means a business failure was durably recorded as an
	// event
	ProcessFailed ProcessStatus = "failed"

	// ProcessConflict means the append conflicted and no retry scheduler
	// is configured; the caller decides what to do with the current head
	ProcessConflict ProcessStatus = "conflict"

	// ProcessDeferred means the conflicted command was enqueued as a
	// durable retry task
	ProcessDeferred ProcessStatus = "deferred"

	// ProcessPending means another submission of the same commandId is
	// mid-flight; nothing was executed
	ProcessPending ProcessStatus = "pending"
)

// CodeInvalidPayload is the stable rejection code for a payload that fails
// its command schema.
const CodeInvalidPayload = "INVALID_PAYLOAD"

// ProcessResult is the tagged outcome of one command submission. Terminal
// results are cached in the command ledger and replayed verbatim to
// duplicate submissions, with Duplicate set.
type ProcessResult struct {
	CommandID string        `json:"commandId"`
	Status    ProcessStatus `json:"status"`

	// EventID and Version identify the appended event (executed, failed)
	EventID string `json:"eventId,omitempty"`
	Version int64  `json:"version,omitempty"`

	// CurrentVersion is the stream head observed on conflict (conflict,
	// deferred, and rejections caused by retry exhaustion)
	CurrentVersion int64 `json:"currentVersion,omitempty"`

	// Data is the decider's caller-facing data (executed)
	Data map[string]any `json:"data,omitempty"`

	// Code and Message describe a rejection (rejected)
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Reason describes a recorded business failure (failed)
	Reason string `json:"reason,omitempty"`

	// TaskID, RetryAttempt and ScheduledAfter describe the scheduled
	// retry (deferred)
	TaskID         string        `json:"taskId,omitempty"`
	RetryAttempt   int           `json:"retryAttempt,omitempty"`
	ScheduledAfter time.Duration `json:"scheduledAfter,omitempty"`

	// Duplicate marks a result served from the ledger or the event store
	// instead of a fresh execution
	Duplicate bool `json:"duplicate,omitempty"`
}

// Request is one processing attempt of a command. Attempt counts conflict
// retries; first submissions enter with 0. ExpectedVersion is the head a
// retry task was scheduled against; it is advisory, the pipeline re-reads
// the head before deciding.
type Request struct {
	Command         *domain.Command
	Attempt         int
	ExpectedVersion *int64
}

func statusFromRecord(s domain.CommandStatus) ProcessStatus {
	switch s {
	case domain.CommandExecuted:
		return ProcessExecuted
	case domain.CommandRejected:
		return ProcessRejected
	case domain.CommandFailed:
		return ProcessFailed
	default:
		return ProcessPending
	}
}
