package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Event is an immutable fact recorded in a stream. Events are created once
// by the append protocol and never mutated or deleted.
type Event struct {
	// ID is the globally unique identifier for this event
	ID string

	// StreamType is the aggregate type this event belongs to (e.g., "Order")
	StreamType string

	// StreamID is the identifier of the aggregate instance
	StreamID string

	// EventType is the fully qualified type name of the event (e.g., "order.created")
	EventType string

	// Version is the stream version after applying this event (starts at 1, gapless)
	Version int64

	// Timestamp is when the event was appended
	Timestamp time.Time

	// Payload is the serialized event payload
	Payload []byte

	// IdempotencyKey makes the logical operation that produced this event
	// safe to retry. Unique across the store when set.
	IdempotencyKey string

	// Metadata carries tracing and tenancy context
	Metadata EventMetadata

	// GlobalPosition is the store-wide insertion order, assigned on append
	GlobalPosition int64
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string

	// CorrelationID traces related events across streams
	CorrelationID string

	// PrincipalID identifies who (user, service, system) triggered this event
	PrincipalID string

	// TenantID scopes the event for multi-tenant deployments
	TenantID string

	// Custom allows application-specific metadata
	Custom map[string]string
}

// EventDraft is an event as produced by a decider, before the append
// protocol assigns identity, version and timestamp.
type EventDraft struct {
	// EventType is the fully qualified type name of the event
	EventType string

	// Payload is the structured event payload
	Payload map[string]any
}

// StreamRef identifies a stream by type and instance.
type StreamRef struct {
	Type string
	ID   string
}

func (s StreamRef) String() string {
	return s.Type + ":" + s.ID
}

// DeterministicEventID derives a stable event ID from command context so a
// replayed command produces the same event identity.
func DeterministicEventID(commandID, streamID string, sequence int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d", commandID, streamID, sequence)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// DefaultCommandTTL is how long processed command records are retained.
const DefaultCommandTTL = 7 * 24 * time.Hour
