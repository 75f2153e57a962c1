package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/commandkernel/pkg/decider"
	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/multitenancy"
	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/queue"
	"github.com/plaenen/commandkernel/pkg/retry"
	"github.com/plaenen/commandkernel/pkg/store"
)

// DefaultRetryOperation is the queue operation name conflict retries are
// dispatched under.
const DefaultRetryOperation = "command.retry"

// metaOutcome is the event metadata key recording which decider variant
// produced the event, so crash recovery can reconstruct the command status.
const metaOutcome = "outcome"

// HandlerFunc processes one command request.
type HandlerFunc func(ctx context.Context, req *Request) (*ProcessResult, error)

// Middleware wraps a HandlerFunc with cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Stores bundles the persistence the processor needs.
type Stores struct {
	Events   store.EventStore
	Commands store.CommandStore
	State    store.StateStore
}

func (s Stores) validate() error {
	switch {
	case s.Events == nil:
		return fmt.Errorf("event store is required")
	case s.Commands == nil:
		return fmt.Errorf("command store is required")
	case s.State == nil:
		return fmt.Errorf("state store is required")
	}
	return nil
}

// ConflictScheduler defers conflicted commands as durable retry tasks.
// *retry.Scheduler implements it.
type ConflictScheduler interface {
	HandleConflict(ctx context.Context, op retry.OperationRef, c retry.Conflict, rc retry.RetryContext) (retry.Outcome, error)
}

// EventHook observes events after they are durably appended and the command
// recorded; this is the saga and projection trigger point. Hook errors are
// logged and do not affect the command result.
type EventHook func(ctx context.Context, event *domain.Event) error

// Processor drives commands through the pipeline: claim the commandId in
// the ledger, validate the payload, fold current state, run the registered
// decide function and commit its output through the idempotent append
// protocol. Conflicts are handed to the scheduler when one is configured.
type Processor struct {
	registry       *decider.Registry
	stores         Stores
	appender       *Appender
	scheduler      ConflictScheduler
	eventHook      EventHook
	logger         *slog.Logger
	clock          func() time.Time
	metrics        *observability.Metrics
	commandTTL     time.Duration
	retryOperation string
	middleware     []Middleware
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithClock sets the time source used for ledger timestamps and the
// decider's observed time.
func WithClock(fn func() time.Time) ProcessorOption {
	return func(p *Processor) { p.clock = fn }
}

// WithScheduler enables deferred conflict retries. Without one, conflicts
// surface as ProcessConflict results.
func WithScheduler(s ConflictScheduler) ProcessorOption {
	return func(p *Processor) { p.scheduler = s }
}

// WithEventHook registers the post-append event hook.
func WithEventHook(h EventHook) ProcessorOption {
	return func(p *Processor) { p.eventHook = h }
}

// WithCommandTTL sets how long command records are retained.
func WithCommandTTL(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.commandTTL = d }
}

// WithRetryOperation sets the queue operation name for conflict retries.
func WithRetryOperation(name string) ProcessorOption {
	return func(p *Processor) { p.retryOperation = name }
}

// WithMetrics sets the metrics recorder, shared with the internally built
// appender.
func WithMetrics(m *observability.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithAppender overrides the internally built appender.
func WithAppender(a *Appender) ProcessorOption {
	return func(p *Processor) { p.appender = a }
}

// Use appends middleware to the chain. The first middleware added is the
// outermost.
func Use(mw ...Middleware) ProcessorOption {
	return func(p *Processor) { p.middleware = append(p.middleware, mw...) }
}

// NewProcessor creates a Processor over the given registry and stores.
func NewProcessor(reg *decider.Registry, stores Stores, opts ...ProcessorOption) (*Processor, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}

	p := &Processor{
		registry:       reg,
		stores:         stores,
		clock:          time.Now,
		commandTTL:     domain.DefaultCommandTTL,
		retryOperation: DefaultRetryOperation,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.appender == nil {
		appender, err := NewAppender(stores.Events,
			WithAppenderLogger(p.logger),
			WithAppenderClock(p.clock),
			WithAppenderMetrics(p.metrics),
		)
		if err != nil {
			return nil, err
		}
		p.appender = appender
	}
	return p, nil
}

// Execute runs a first-time command submission through the pipeline.
func (p *Processor) Execute(ctx context.Context, cmd *domain.Command) (*ProcessResult, error) {
	return p.Process(ctx, &Request{Command: cmd})
}

// Process runs a prepared request through the middleware chain and the
// pipeline. Retry deliveries enter here carrying their attempt number.
func (p *Processor) Process(ctx context.Context, req *Request) (*ProcessResult, error) {
	if req == nil || req.Command == nil {
		return nil, fmt.Errorf("request has no command")
	}
	handler := p.executeRequest
	for i := len(p.middleware) - 1; i >= 0; i-- {
		handler = p.middleware[i](handler)
	}
	return handler(ctx, req)
}

func (p *Processor) executeRequest(ctx context.Context, req *Request) (*ProcessResult, error) {
	cmd := req.Command
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}

	def, err := p.registry.Definition(cmd.Type)
	if err != nil {
		return nil, err
	}
	if cmd.StreamType != "" && cmd.StreamType != def.StreamType {
		return nil, fmt.Errorf("command %s targets stream type %q, registered for %q",
			cmd.Type, cmd.StreamType, def.StreamType)
	}

	fingerprint, err := domain.Fingerprint(cmd.Payload)
	if err != nil {
		return nil, err
	}
	key := CommandKey(cmd.Type, cmd.StreamID, cmd.ID)

	if res, err := p.claimCommand(ctx, cmd, fingerprint, key, req.Attempt); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	if err := p.registry.ValidatePayload(cmd.Type, cmd.Payload); err != nil {
		res := &ProcessResult{
			CommandID: cmd.ID,
			Status:    ProcessRejected,
			Code:      CodeInvalidPayload,
			Message:   err.Error(),
		}
		if cerr := p.completeCommand(ctx, cmd.ID, domain.CommandRejected, res); cerr != nil {
			return nil, cerr
		}
		return res, nil
	}

	state, head, err := p.loadState(ctx, def.StreamType, cmd.StreamID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != head {
		p.logger.Debug("retry expected version superseded",
			slog.String("command_id", cmd.ID),
			slog.Int64("task_expected", *req.ExpectedVersion),
			slog.Int64("head", head),
		)
	}

	correlation := cmd.CorrelationID
	if correlation == "" {
		correlation = domain.NewCorrelationID()
	}
	tenant := multitenancy.TenantFromContext(ctx)

	output := def.Decide(state, cmd, decider.DecisionContext{
		Now:           p.clock(),
		CommandID:     cmd.ID,
		CorrelationID: correlation,
		TenantID:      tenant,
	})

	switch output.Status {
	case domain.OutputRejected:
		res := &ProcessResult{
			CommandID: cmd.ID,
			Status:    ProcessRejected,
			Code:      output.Code,
			Message:   output.Message,
		}
		if err := p.completeCommand(ctx, cmd.ID, domain.CommandRejected, res); err != nil {
			return nil, err
		}
		p.logger.Info("command rejected",
			slog.String("command_id", cmd.ID),
			slog.String("command_type", cmd.Type),
			slog.String("code", output.Code),
		)
		return res, nil

	case domain.OutputSuccess, domain.OutputFailed:
		if output.Event == nil {
			return nil, fmt.Errorf("decider for %s returned %s without an event", cmd.Type, output.Status)
		}
		return p.commit(ctx, decision{
			req:         req,
			def:         def,
			cmd:         cmd,
			state:       state,
			head:        head,
			correlation: correlation,
			tenant:      tenant,
			output:      output,
			key:         key,
		})

	default:
		return nil, fmt.Errorf("decider for %s returned unknown status %q", cmd.Type, output.Status)
	}
}

// claimCommand resolves the commandId against the ledger. A nil, nil return
// means this request owns the pending record and should execute. Any other
// submission resolves here: terminal records replay their cached result,
// fingerprint mismatches fail, and an event already recorded under the
// command's idempotency key short-circuits to its result regardless of what
// the ledger says (crash recovery, purged records).
func (p *Processor) claimCommand(ctx context.Context, cmd *domain.Command, fingerprint, key string, attempt int) (*ProcessResult, error) {
	rec, err := p.stores.Commands.GetCommand(ctx, cmd.ID)
	switch {
	case err == nil:
		if rec.Fingerprint != fingerprint {
			return nil, &domain.CommandReusedError{
				CommandID:   cmd.ID,
				Fingerprint: rec.Fingerprint,
				Submitted:   fingerprint,
			}
		}
		if rec.Terminal() {
			return p.cachedResult(rec)
		}
		// Pending: our own retry delivery, a concurrent duplicate, or a
		// record orphaned by a crash between append and completion.
		if res := p.recoverCompleted(ctx, cmd, key); res != nil {
			return res, nil
		}
		if attempt == 0 {
			return &ProcessResult{CommandID: cmd.ID, Status: ProcessPending, Duplicate: true}, nil
		}
		return nil, nil

	case errors.Is(err, domain.ErrCommandNotFound):
		// The event outlives the ledger record's retention. Look before
		// claiming so a late resubmission is not re-decided against
		// post-event state.
		if res := p.recoverCompleted(ctx, cmd, key); res != nil {
			return res, nil
		}

	default:
		return nil, fmt.Errorf("load command record: %w", err)
	}

	now := p.clock()
	insErr := p.stores.Commands.InsertCommand(ctx, &domain.CommandRecord{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Status:      domain.CommandPending,
		Fingerprint: fingerprint,
		ExpiresAt:   now.Add(p.commandTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if insErr == nil {
		return nil, nil
	}
	if !errors.Is(insErr, domain.ErrCommandExists) {
		return nil, fmt.Errorf("insert command record: %w", insErr)
	}

	// Lost the claim race.
	winner, err := p.stores.Commands.GetCommand(ctx, cmd.ID)
	if err != nil {
		return nil, fmt.Errorf("load command record: %w", err)
	}
	if winner.Fingerprint != fingerprint {
		return nil, &domain.CommandReusedError{
			CommandID:   cmd.ID,
			Fingerprint: winner.Fingerprint,
			Submitted:   fingerprint,
		}
	}
	if winner.Terminal() {
		return p.cachedResult(winner)
	}
	return &ProcessResult{CommandID: cmd.ID, Status: ProcessPending, Duplicate: true}, nil
}

// recoverCompleted checks whether the command's effect is already durable
// in the event store and, if so, rebuilds its result from the event. The
// ledger completion is finished best-effort; the event is the truth.
func (p *Processor) recoverCompleted(ctx context.Context, cmd *domain.Command, key string) *ProcessResult {
	existing, err := p.stores.Events.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrEventNotFound) {
			p.logger.Warn("idempotency recovery lookup failed",
				slog.String("command_id", cmd.ID), slog.Any("error", err))
		}
		return nil
	}

	status := ProcessExecuted
	cmdStatus := domain.CommandExecuted
	if existing.Metadata.Custom[metaOutcome] == string(domain.OutputFailed) {
		status = ProcessFailed
		cmdStatus = domain.CommandFailed
	}
	res := &ProcessResult{
		CommandID: cmd.ID,
		Status:    status,
		EventID:   existing.ID,
		Version:   existing.Version,
		Duplicate: true,
	}
	p.finishRecovered(ctx, cmd.ID, cmdStatus, res)
	return res
}

// loadState rebuilds current state from the latest snapshot plus the stream
// tail. A snapshot that lags the stream (crash between append and save)
// heals here on the next load.
func (p *Processor) loadState(ctx context.Context, streamType, streamID string) (map[string]any, int64, error) {
	var state map[string]any
	var from int64

	raw, version, err := p.stores.State.GetState(ctx, streamType, streamID)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, 0, fmt.Errorf("decode state for %s:%s: %w", streamType, streamID, err)
		}
		from = version
	case errors.Is(err, domain.ErrStateNotFound):
	default:
		return nil, 0, fmt.Errorf("load state: %w", err)
	}

	events, err := p.stores.Events.LoadStream(ctx, streamType, streamID, from)
	if err != nil {
		return nil, 0, fmt.Errorf("load stream: %w", err)
	}
	head := from
	if len(events) > 0 {
		state, err = p.registry.Fold(streamType, state, events)
		if err != nil {
			return nil, 0, err
		}
		head = events[len(events)-1].Version
	}
	return state, head, nil
}

// decision carries one decided command into the commit phase.
type decision struct {
	req         *Request
	def         *decider.Definition
	cmd         *domain.Command
	state       map[string]any
	head        int64
	correlation string
	tenant      string
	output      domain.DeciderOutput
	key         string
}

func (p *Processor) commit(ctx context.Context, d decision) (*ProcessResult, error) {
	cmd := d.cmd
	head := d.head

	appendRes, err := p.appender.Append(ctx, AppendRequest{
		StreamType:      d.def.StreamType,
		StreamID:        cmd.StreamID,
		EventType:       d.output.Event.EventType,
		Payload:         d.output.Event.Payload,
		IdempotencyKey:  d.key,
		ExpectedVersion: &head,
		EventID:         domain.DeterministicEventID(cmd.ID, cmd.StreamID, 0),
		Metadata: domain.EventMetadata{
			CausationID:   cmd.ID,
			CorrelationID: d.correlation,
			PrincipalID:   cmd.PrincipalID,
			TenantID:      d.tenant,
			Custom:        map[string]string{metaOutcome: string(d.output.Status)},
		},
	})
	if err != nil {
		return nil, err
	}

	switch appendRes.Status {
	case AppendAppended, AppendDuplicate:
		return p.finalize(ctx, d, appendRes)
	case AppendConflict:
		return p.reschedule(ctx, d, appendRes.CurrentVersion)
	}
	return nil, fmt.Errorf("unexpected append status %q", appendRes.Status)
}

func (p *Processor) finalize(ctx context.Context, d decision, appendRes *AppendResult) (*ProcessResult, error) {
	cmd := d.cmd

	var newState map[string]any
	var err error
	if d.output.IsSuccess() {
		newState = mergeState(d.state, d.output.StateUpdate)
	} else {
		newState, err = p.registry.Apply(d.def.StreamType, d.state, *d.output.Event)
		if err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(newState)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if err := p.stores.State.SaveState(ctx, d.def.StreamType, cmd.StreamID, appendRes.Version, raw); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	status := ProcessExecuted
	cmdStatus := domain.CommandExecuted
	if d.output.IsFailed() {
		status = ProcessFailed
		cmdStatus = domain.CommandFailed
	}
	res := &ProcessResult{
		CommandID: cmd.ID,
		Status:    status,
		EventID:   appendRes.EventID,
		Version:   appendRes.Version,
		Data:      d.output.Data,
		Reason:    d.output.Reason,
		Duplicate: appendRes.Status == AppendDuplicate,
	}
	if err := p.completeCommand(ctx, cmd.ID, cmdStatus, res); err != nil {
		return nil, err
	}

	if p.eventHook != nil && appendRes.Event != nil {
		if hookErr := p.eventHook(ctx, appendRes.Event); hookErr != nil {
			p.logger.Error("event hook failed",
				slog.String("event_id", appendRes.Event.ID), slog.Any("error", hookErr))
		}
	}

	p.logger.Info("command processed",
		slog.String("command_id", cmd.ID),
		slog.String("command_type", cmd.Type),
		slog.String("status", string(status)),
		slog.String("event_id", res.EventID),
		slog.Int64("version", res.Version),
	)
	return res, nil
}

func (p *Processor) reschedule(ctx context.Context, d decision, currentVersion int64) (*ProcessResult, error) {
	cmd := d.cmd
	if p.scheduler == nil {
		return &ProcessResult{CommandID: cmd.ID, Status: ProcessConflict, CurrentVersion: currentVersion}, nil
	}

	outcome, err := p.scheduler.HandleConflict(ctx,
		retry.OperationRef{
			Operation:    p.retryOperation,
			Tenant:       d.tenant,
			ResourceType: d.def.StreamType,
			ResourceID:   cmd.StreamID,
		},
		retry.Conflict{CurrentVersion: currentVersion},
		retry.RetryContext{
			Attempt: d.req.Attempt,
			Args:    retryArgs(cmd, d.def.StreamType, d.correlation, d.tenant),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("schedule conflict retry: %w", err)
	}

	if outcome.Status == retry.OutcomeRejected {
		res := &ProcessResult{
			CommandID:      cmd.ID,
			Status:         ProcessRejected,
			Code:           outcome.Code,
			Message:        outcome.Message,
			CurrentVersion: currentVersion,
		}
		if err := p.completeCommand(ctx, cmd.ID, domain.CommandRejected, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	// The command record stays pending until the scheduled attempt lands.
	return &ProcessResult{
		CommandID:      cmd.ID,
		Status:         ProcessDeferred,
		TaskID:         outcome.TaskID,
		RetryAttempt:   outcome.RetryAttempt,
		ScheduledAfter: outcome.ScheduledAfter,
		CurrentVersion: currentVersion,
	}, nil
}

func (p *Processor) completeCommand(ctx context.Context, commandID string, status domain.CommandStatus, res *ProcessResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	err = p.stores.Commands.CompleteCommand(ctx, commandID, status, raw, p.clock())
	if err != nil && !errors.Is(err, domain.ErrCommandAlreadyTerminal) {
		return fmt.Errorf("complete command %s: %w", commandID, err)
	}
	return nil
}

func (p *Processor) finishRecovered(ctx context.Context, commandID string, status domain.CommandStatus, res *ProcessResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	err = p.stores.Commands.CompleteCommand(ctx, commandID, status, raw, p.clock())
	if err != nil && !errors.Is(err, domain.ErrCommandAlreadyTerminal) && !errors.Is(err, domain.ErrCommandNotFound) {
		p.logger.Warn("completing recovered command failed",
			slog.String("command_id", commandID), slog.Any("error", err))
	}
}

func (p *Processor) cachedResult(rec *domain.CommandRecord) (*ProcessResult, error) {
	res := &ProcessResult{CommandID: rec.CommandID}
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, res); err != nil {
			return nil, fmt.Errorf("decode cached result for %s: %w", rec.CommandID, err)
		}
	} else {
		res.Status = statusFromRecord(rec.Status)
	}
	res.Duplicate = true
	return res, nil
}

func mergeState(state, update map[string]any) map[string]any {
	if update == nil {
		return state
	}
	next := make(map[string]any, len(state)+len(update))
	for k, v := range state {
		next[k] = v
	}
	for k, v := range update {
		next[k] = v
	}
	return next
}

func retryArgs(cmd *domain.Command, streamType, correlation, tenant string) map[string]any {
	return map[string]any{
		"commandId":     cmd.ID,
		"commandType":   cmd.Type,
		"streamType":    streamType,
		"streamId":      cmd.StreamID,
		"payload":       cmd.Payload,
		"correlationId": correlation,
		"principalId":   cmd.PrincipalID,
		"tenantId":      tenant,
	}
}

func validateCommand(cmd *domain.Command) error {
	switch {
	case cmd.ID == "":
		return fmt.Errorf("command: id is required")
	case cmd.Type == "":
		return fmt.Errorf("command: type is required")
	case cmd.StreamID == "":
		return fmt.Errorf("command: stream id is required")
	}
	return nil
}

type retryTaskArgs struct {
	CommandID       string         `json:"commandId"`
	CommandType     string         `json:"commandType"`
	StreamType      string         `json:"streamType"`
	StreamID        string         `json:"streamId"`
	Payload         map[string]any `json:"payload"`
	CorrelationID   string         `json:"correlationId"`
	PrincipalID     string         `json:"principalId"`
	TenantID        string         `json:"tenantId"`
	ExpectedVersion int64          `json:"expectedVersion"`
	Attempt         int            `json:"attempt"`
}

// RetryHandler returns the queue handler that re-executes conflicted
// commands. Register it on the dispatcher under the processor's retry
// operation name.
func (p *Processor) RetryHandler() queue.Handler {
	return func(ctx context.Context, dl *queue.Delivery) error {
		var args retryTaskArgs
		if err := json.Unmarshal(dl.Args, &args); err != nil {
			return fmt.Errorf("decode retry args: %w", err)
		}
		ctx = multitenancy.WithTenant(ctx, args.TenantID)
		expected := args.ExpectedVersion
		_, err := p.Process(ctx, &Request{
			Command: &domain.Command{
				ID:            args.CommandID,
				Type:          args.CommandType,
				StreamType:    args.StreamType,
				StreamID:      args.StreamID,
				Payload:       args.Payload,
				CorrelationID: args.CorrelationID,
				PrincipalID:   args.PrincipalID,
			},
			Attempt:         args.Attempt,
			ExpectedVersion: &expected,
		})
		return err
	}
}
