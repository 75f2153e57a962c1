// Package eventsourcing implements the idempotent append protocol and the
// command processor that drives decide functions against versioned streams.
//
// The append protocol guarantees that a logical operation identified by an
// idempotency key produces at most one event, no matter how often it is
// retried: lookup first, append with an optimistic-concurrency check, and on
// conflict re-check the key before surfacing the conflict to the caller.
package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/idgen"
	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/store"
)

// AppendStatus discriminates the variants of an AppendResult.
type AppendStatus string

const (
	// AppendAppended means a new event was written
	AppendAppended AppendStatus = "appended"

	// AppendDuplicate means the idempotency key already produced an event;
	// the prior event is returned and nothing was written
	AppendDuplicate AppendStatus = "duplicate"

	// AppendConflict means the expected version did not match and the key
	// had not been used by the concurrent writer; the caller decides
	// whether to reschedule
	AppendConflict AppendStatus = "conflict"
)

// AppendRequest describes one idempotent append.
type AppendRequest struct {
	StreamType string
	StreamID   string
	EventType  string

	// Payload is the structured event payload
	Payload map[string]any

	// IdempotencyKey identifies the logical operation. Required; build it
	// with CommandKey, SagaStepKey or ScheduledJobKey.
	IdempotencyKey string

	// ExpectedVersion pins the optimistic-concurrency check. Nil appends
	// at whatever the current head is (no concurrency protection beyond
	// the key itself).
	ExpectedVersion *int64

	// EventID overrides the generated event ID, for callers that derive
	// deterministic identities. Leave empty to generate a sortable ID.
	EventID string

	// Metadata is carried onto the appended event
	Metadata domain.EventMetadata
}

func (r AppendRequest) validate() error {
	switch {
	case r.StreamType == "":
		return fmt.Errorf("append request: stream type is required")
	case r.StreamID == "":
		return fmt.Errorf("append request: stream id is required")
	case r.EventType == "":
		return fmt.Errorf("append request: event type is required")
	case r.IdempotencyKey == "":
		return fmt.Errorf("append request: idempotency key is required")
	}
	return nil
}

// AppendResult is the tagged outcome of an Append call. Exactly the fields
// of the active variant are set.
type AppendResult struct {
	Status AppendStatus

	// EventID and Version identify the event (appended and duplicate)
	EventID string
	Version int64

	// CurrentVersion is the stream head observed at conflict time
	// (conflict only)
	CurrentVersion int64

	// Event is the full appended event (appended only), for publication
	// hooks
	Event *domain.Event
}

// Appender performs idempotent appends against an event store. It makes
// exactly one append attempt per call and never retries internally; conflict
// handling belongs to the caller.
type Appender struct {
	store   store.EventStore
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
	metrics *observability.Metrics
}

// AppenderOption configures an Appender.
type AppenderOption func(*Appender)

// WithAppenderLogger sets the logger.
func WithAppenderLogger(l *slog.Logger) AppenderOption {
	return func(a *Appender) { a.logger = l }
}

// WithAppenderClock sets the time source for event timestamps.
func WithAppenderClock(fn func() time.Time) AppenderOption {
	return func(a *Appender) { a.clock = fn }
}

// WithAppenderIDGenerator sets the event ID generator.
func WithAppenderIDGenerator(fn func() string) AppenderOption {
	return func(a *Appender) { a.newID = fn }
}

// WithAppenderMetrics sets the metrics recorder.
func WithAppenderMetrics(m *observability.Metrics) AppenderOption {
	return func(a *Appender) { a.metrics = m }
}

// NewAppender creates an Appender on top of the given event store.
func NewAppender(es store.EventStore, opts ...AppenderOption) (*Appender, error) {
	if es == nil {
		return nil, fmt.Errorf("event store is required")
	}
	a := &Appender{
		store: es,
		clock: time.Now,
		newID: idgen.MustGenerateSortableID,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// Append runs the idempotent append protocol:
//
//  1. If an event already exists under the idempotency key, return it as a
//     duplicate without writing anything.
//  2. Append one event with the expected-version check.
//  3. On a version conflict, re-check the key: a concurrent retry of the
//     same operation may have won the race, in which case its event is the
//     duplicate answer. Otherwise surface the conflict with the current
//     head version.
//
// Errors are infrastructure failures only; all protocol outcomes are
// reported through AppendResult.Status.
func (a *Appender) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if existing, err := a.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		a.logger.Debug("append resolved as duplicate",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.String("event_id", existing.ID),
		)
		a.metrics.RecordAppend(ctx, req.StreamType, "duplicate")
		return &AppendResult{Status: AppendDuplicate, EventID: existing.ID, Version: existing.Version}, nil
	} else if !errors.Is(err, domain.ErrEventNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	expected, err := a.resolveExpectedVersion(ctx, req)
	if err != nil {
		return nil, err
	}

	payload, err := domain.EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	id := req.EventID
	if id == "" {
		id = a.newID()
	}

	event := &domain.Event{
		ID:             id,
		StreamType:     req.StreamType,
		StreamID:       req.StreamID,
		EventType:      req.EventType,
		Timestamp:      a.clock(),
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}

	_, err = a.store.AppendToStream(ctx, req.StreamType, req.StreamID, expected, []*domain.Event{event})
	if err == nil {
		a.logger.Debug("event appended",
			slog.String("stream_type", req.StreamType),
			slog.String("stream_id", req.StreamID),
			slog.String("event_type", req.EventType),
			slog.Int64("version", event.Version),
		)
		a.metrics.RecordAppend(ctx, req.StreamType, "appended")
		return &AppendResult{Status: AppendAppended, EventID: event.ID, Version: event.Version, Event: event}, nil
	}

	var conflict *domain.VersionConflictError
	if !errors.As(err, &conflict) {
		return nil, fmt.Errorf("append to %s:%s: %w", req.StreamType, req.StreamID, err)
	}

	// The losing writer may have been a concurrent retry of this same
	// operation. Its event, not a conflict, is the correct answer then.
	if existing, lookupErr := a.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil {
		a.logger.Debug("conflict resolved as duplicate",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.String("event_id", existing.ID),
		)
		a.metrics.RecordAppend(ctx, req.StreamType, "duplicate")
		return &AppendResult{Status: AppendDuplicate, EventID: existing.ID, Version: existing.Version}, nil
	} else if !errors.Is(lookupErr, domain.ErrEventNotFound) {
		return nil, fmt.Errorf("idempotency re-check: %w", lookupErr)
	}

	a.logger.Debug("append conflicted",
		slog.String("stream_type", req.StreamType),
		slog.String("stream_id", req.StreamID),
		slog.Int64("expected_version", expected),
		slog.Int64("current_version", conflict.Current),
	)
	a.metrics.RecordAppend(ctx, req.StreamType, "conflict")
	return &AppendResult{Status: AppendConflict, CurrentVersion: conflict.Current}, nil
}

func (a *Appender) resolveExpectedVersion(ctx context.Context, req AppendRequest) (int64, error) {
	if req.ExpectedVersion != nil {
		return *req.ExpectedVersion, nil
	}
	head, err := a.store.StreamVersion(ctx, req.StreamType, req.StreamID)
	if err != nil {
		return 0, fmt.Errorf("resolve stream head: %w", err)
	}
	return head, nil
}
