package domain

import "github.com/google/uuid"

// NewCorrelationID generates a correlation ID for callers that did not
// supply one.
func NewCorrelationID() string {
	return uuid.NewString()
}
