package eventsourcing

import (
	"fmt"
	"time"
)

// CommandKey builds the idempotency key for the event produced by one
// command execution: {commandType}:{entityId}:{commandId}.
func CommandKey(commandType, entityID, commandID string) string {
	return fmt.Sprintf("%s:%s:%s", commandType, entityID, commandID)
}

// SagaStepKey builds the idempotency key for one step of a saga run:
// {sagaType}:{sagaId}:{step}. The saga ID already identifies the run, so
// re-delivered step executions collapse onto the same key.
func SagaStepKey(sagaType, sagaID, step string) string {
	return fmt.Sprintf("%s:%s:%s", sagaType, sagaID, step)
}

// ScheduledJobKey builds the idempotency key for one run of a recurring
// job: {jobType}:{scheduleId}:{runMillis}. runAt is the scheduled instant
// of the run taken from the schedule itself, never the wall-clock time of
// execution; a delayed or re-delivered run must map to the same key.
func ScheduledJobKey(jobType, scheduleID string, runAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", jobType, scheduleID, runAt.UnixMilli())
}
