package domain

// OutputStatus discriminates the variants of a DeciderOutput.
type OutputStatus string

const (
	// OutputSuccess carries an event to append, data for the caller and a
	// partial state update.
	OutputSuccess OutputStatus = "success"

	// OutputRejected is a validation failure: no event, stable code + message.
	OutputRejected OutputStatus = "rejected"

	// OutputFailed is a durably recorded business failure: the event IS
	// appended (e.g. a reservation attempt against insufficient stock).
	OutputFailed OutputStatus = "failed"
)

// DeciderOutput is the tagged result of a decide invocation. Exactly the
// fields of the active variant are set; callers branch on Status.
type DeciderOutput struct {
	Status OutputStatus

	// Data is returned to the caller on success
	Data map[string]any

	// Event is appended on success and on failed
	Event *EventDraft

	// StateUpdate is the partial state patch applied on success
	StateUpdate map[string]any

	// Code is the stable machine-readable rejection code
	Code string

	// Message is the human-readable rejection message
	Message string

	// Reason describes a business failure
	Reason string

	// Context carries additional variant-specific detail
	Context map[string]string
}

// Success builds the success variant.
func Success(data map[string]any, event *EventDraft, stateUpdate map[string]any) DeciderOutput {
	return DeciderOutput{
		Status:      OutputSuccess,
		Data:        data,
		Event:       event,
		StateUpdate: stateUpdate,
	}
}

// Rejected builds the rejected variant. Code must be stable and
// machine-readable (e.g. "INVALID_QUANTITY").
func Rejected(code, message string) DeciderOutput {
	return DeciderOutput{Status: OutputRejected, Code: code, Message: message}
}

// RejectedWithContext builds the rejected variant with extra detail.
func RejectedWithContext(code, message string, context map[string]string) DeciderOutput {
	return DeciderOutput{Status: OutputRejected, Code: code, Message: message, Context: context}
}

// Failed builds the failed variant. The event is appended so the business
// failure is durably recorded.
func Failed(reason string, event *EventDraft) DeciderOutput {
	return DeciderOutput{Status: OutputFailed, Reason: reason, Event: event}
}

// FailedWithContext builds the failed variant with extra detail.
func FailedWithContext(reason string, event *EventDraft, context map[string]string) DeciderOutput {
	return DeciderOutput{Status: OutputFailed, Reason: reason, Event: event, Context: context}
}

// IsSuccess reports whether the output is the success variant.
func (o DeciderOutput) IsSuccess() bool { return o.Status == OutputSuccess }

// IsRejected reports whether the output is the rejected variant.
func (o DeciderOutput) IsRejected() bool { return o.Status == OutputRejected }

// IsFailed reports whether the output is the failed variant.
func (o DeciderOutput) IsFailed() bool { return o.Status == OutputFailed }
