package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/store"
	"github.com/plaenen/commandkernel/pkg/validators"
)

// PermanentTTL is the remaining TTL reported for confirmed reservations,
// which never lapse.
const PermanentTTL = time.Duration(math.MaxInt64)

// Error codes for confirm and release against a reservation that cannot
// transition.
const (
	CodeNotFound         = "RESERVATION_NOT_FOUND"
	CodeAlreadyExpired   = "RESERVATION_ALREADY_EXPIRED"
	CodeAlreadyConfirmed = "RESERVATION_ALREADY_CONFIRMED"
	CodeAlreadyReleased  = "RESERVATION_ALREADY_RELEASED"
)

const defaultSweepBatchSize = 100

// ReserveStatus discriminates ReserveResult.
type ReserveStatus string

const (
	// ReserveReserved means the key is now held by the caller
	ReserveReserved ReserveStatus = "reserved"

	// ReserveConflict means another reservation holds the key
	ReserveConflict ReserveStatus = "conflict"

	// ReserveInvalid means the request failed validation
	ReserveInvalid ReserveStatus = "invalid"
)

// ReserveRequest asks for a TTL-bounded hold on type:value.
type ReserveRequest struct {
	// Type classifies the key ("email", "username")
	Type string

	// Value is the unique value being claimed. Normalized before use.
	Value string

	// TTL bounds the hold. Zero means DefaultTTL.
	TTL time.Duration

	// CorrelationID traces the flow making the claim
	CorrelationID string
}

// ReserveResult is the outcome of a reserve call.
type ReserveResult struct {
	Status ReserveStatus `json:"status"`

	// Set when reserved
	ReservationID string    `json:"reservationId,omitempty"`
	Key           string    `json:"key,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`

	// Set when conflict. ExistingExpiresAt is nil for confirmed holders,
	// which never lapse.
	ExistingID        string     `json:"existingReservationId,omitempty"`
	ExistingExpiresAt *time.Time `json:"existingExpiresAt,omitempty"`

	// Set when invalid
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConfirmStatus discriminates ConfirmResult.
type ConfirmStatus string

const (
	ConfirmConfirmed ConfirmStatus = "confirmed"
	ConfirmError     ConfirmStatus = "error"
)

// ConfirmResult is the outcome of a confirm call.
type ConfirmResult struct {
	Status      ConfirmStatus `json:"status"`
	ConfirmedAt time.Time     `json:"confirmedAt,omitzero"`
	Code        string        `json:"code,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// ReleaseStatus discriminates ReleaseResult.
type ReleaseStatus string

const (
	ReleaseReleased ReleaseStatus = "released"
	ReleaseError    ReleaseStatus = "error"
)

// ReleaseResult is the outcome of a release call.
type ReleaseResult struct {
	Status     ReleaseStatus `json:"status"`
	ReleasedAt time.Time     `json:"releasedAt,omitzero"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// ExpireStats summarizes one expiration sweep.
type ExpireStats struct {
	// Scanned is how many elapsed reservations the sweep saw
	Scanned int

	// Expired is how many this sweep transitioned. Less than Scanned when
	// a concurrent sweep got to some rows first.
	Expired int
}

// Service runs the reservation state machine over a ReservationStore.
type Service struct {
	store      store.ReservationStore
	logger     *slog.Logger
	clock      func() time.Time
	metrics    *observability.Metrics
	defaultTTL time.Duration
	batchSize  int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDefaultTTL overrides the TTL applied when a request carries none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.defaultTTL = ttl
	}
}

// WithSweepBatchSize overrides the default ExpireBatch size.
func WithSweepBatchSize(n int) Option {
	return func(s *Service) {
		s.batchSize = n
	}
}

// NewService creates the reservation service.
func NewService(rs store.ReservationStore, opts ...Option) (*Service, error) {
	if rs == nil {
		return nil, fmt.Errorf("reservation store is required")
	}
	s := &Service{
		store:      rs,
		logger:     slog.Default(),
		clock:      time.Now,
		defaultTTL: DefaultTTL,
		batchSize:  defaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !ValidateTTL(s.defaultTTL) || s.defaultTTL == 0 {
		return nil, fmt.Errorf("default ttl %s outside [%s, %s]", s.defaultTTL, MinTTL, MaxTTL)
	}
	if s.batchSize <= 0 {
		return nil, fmt.Errorf("sweep batch size must be positive")
	}
	return s, nil
}

// Reserve claims a key for the request's TTL. At most one caller can hold
// a key at a time: when an unexpired or confirmed reservation exists the
// result is a conflict carrying the holder, never a second success.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	value := NormalizeValue(req.Type, req.Value)

	if violations := ValidateKey(req.Type, value); !violations.OK() {
		first := violations.First()
		code := CodeInvalidValue
		if first.Field == "type" {
			code = CodeInvalidType
		}
		s.metrics.RecordReservationOp(ctx, "reserve", "invalid")
		return &ReserveResult{Status: ReserveInvalid, Code: code, Message: first.Message}, nil
	}
	if !ValidateTTL(req.TTL) {
		s.metrics.RecordReservationOp(ctx, "reserve", "invalid")
		return &ReserveResult{
			Status:  ReserveInvalid,
			Code:    CodeInvalidTTL,
			Message: fmt.Sprintf("ttl must be between %s and %s", MinTTL, MaxTTL),
		}, nil
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	key := FormatKey(req.Type, value)
	id := ReservationID(key)

	// Losing a race (insert or guarded update) re-reads and re-evaluates
	// against the winner. Two passes settle every interleaving except a
	// concurrent sweep freeing the key mid-flight, which the third pass
	// catches.
	for attempt := 0; attempt < 3; attempt++ {
		result, retry, err := s.tryReserve(ctx, id, key, ttl, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		if result.Status == ReserveReserved {
			s.logger.Debug("key reserved",
				"reservation_id", id,
				"key_type", req.Type,
				"value", validators.MaskValue(value),
				"expires_at", result.ExpiresAt,
			)
		}
		s.metrics.RecordReservationOp(ctx, "reserve", string(result.Status))
		return result, nil
	}
	return nil, fmt.Errorf("reserve %s: could not settle against concurrent writers", id)
}

func (s *Service) tryReserve(ctx context.Context, id, key string, ttl time.Duration, correlationID string) (*ReserveResult, bool, error) {
	now := s.clock()

	existing, err := s.store.GetReservationByKey(ctx, key)
	switch {
	case errors.Is(err, domain.ErrReservationNotFound):
		expiresAt := now.Add(ttl)
		fresh := &domain.Reservation{
			ID:            id,
			Key:           key,
			Status:        domain.ReservationReserved,
			ExpiresAt:     &expiresAt,
			Version:       1,
			CorrelationID: correlationID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.InsertReservation(ctx, fresh); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("insert reservation %s: %w", id, err)
		}
		return &ReserveResult{
			Status:        ReserveReserved,
			ReservationID: id,
			Key:           key,
			ExpiresAt:     expiresAt,
		}, false, nil

	case err != nil:
		return nil, false, fmt.Errorf("read reservation for key: %w", err)
	}

	if existing.ActiveAt(now) || existing.Status == domain.ReservationConfirmed {
		return &ReserveResult{
			Status:            ReserveConflict,
			ExistingID:        existing.ID,
			ExistingExpiresAt: existing.ExpiresAt,
		}, false, nil
	}

	// Released, expired, or reserved with an elapsed TTL: the key is free
	// again. Take over the row, continuing its version history.
	expiresAt := now.Add(ttl)
	next := &domain.Reservation{
		ID:            existing.ID,
		Key:           existing.Key,
		Status:        domain.ReservationReserved,
		ExpiresAt:     &expiresAt,
		EntityID:      "",
		Version:       existing.Version + 1,
		CorrelationID: correlationID,
		CreatedAt:     existing.CreatedAt,
		UpdatedAt:     now,
	}
	if err := s.store.UpdateReservation(ctx, next, existing.Version); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("re-reserve %s: %w", id, err)
	}
	return &ReserveResult{
		Status:        ReserveReserved,
		ReservationID: existing.ID,
		Key:           existing.Key,
		ExpiresAt:     expiresAt,
	}, false, nil
}

// Confirm turns a held reservation into a permanent claim bound to an
// entity. The TTL is checked against the wall clock here, not against the
// sweep: a reservation whose TTL elapsed can never be confirmed, even if
// no sweep has flipped it yet.
func (s *Service) Confirm(ctx context.Context, reservationID, entityID string) (*ConfirmResult, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}

	now := s.clock()
	r, err := s.store.GetReservation(ctx, reservationID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		s.metrics.RecordReservationOp(ctx, "confirm", "error")
		return &ConfirmResult{
			Status:  ConfirmError,
			Code:    CodeNotFound,
			Message: fmt.Sprintf("reservation %s does not exist", reservationID),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reservation %s: %w", reservationID, err)
	}

	if code := transitionGuard(r, now); code != "" {
		s.metrics.RecordReservationOp(ctx, "confirm", "error")
		return &ConfirmResult{
			Status:  ConfirmError,
			Code:    code,
			Message: fmt.Sprintf("reservation %s is %s", reservationID, guardState(code)),
		}, nil
	}

	next := *r
	next.Status = domain.ReservationConfirmed
	next.ExpiresAt = nil
	next.EntityID = entityID
	next.Version = r.Version + 1
	next.UpdatedAt = now

	if err := s.store.UpdateReservation(ctx, &next, r.Version); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// Another transition won. Report what beat us; never
			// re-attempt, the claim this call held is gone.
			code, lookupErr := s.lostTransitionCode(ctx, reservationID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			s.metrics.RecordReservationOp(ctx, "confirm", "error")
			return &ConfirmResult{
				Status:  ConfirmError,
				Code:    code,
				Message: fmt.Sprintf("reservation %s is %s", reservationID, guardState(code)),
			}, nil
		}
		return nil, fmt.Errorf("confirm reservation %s: %w", reservationID, err)
	}

	s.metrics.RecordReservationOp(ctx, "confirm", "confirmed")
	s.logger.Debug("reservation confirmed",
		"reservation_id", reservationID,
		"entity_id", entityID,
	)
	return &ConfirmResult{Status: ConfirmConfirmed, ConfirmedAt: now}, nil
}

// Release frees a held key before its TTL elapses, for caller-cancelled
// flows. The same guards as Confirm apply.
func (s *Service) Release(ctx context.Context, reservationID string) (*ReleaseResult, error) {
	now := s.clock()
	r, err := s.store.GetReservation(ctx, reservationID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		s.metrics.RecordReservationOp(ctx, "release", "error")
		return &ReleaseResult{
			Status:  ReleaseError,
			Code:    CodeNotFound,
			Message: fmt.Sprintf("reservation %s does not exist", reservationID),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reservation %s: %w", reservationID, err)
	}

	if code := transitionGuard(r, now); code != "" {
		s.metrics.RecordReservationOp(ctx, "release", "error")
		return &ReleaseResult{
			Status:  ReleaseError,
			Code:    code,
			Message: fmt.Sprintf("reservation %s is %s", reservationID, guardState(code)),
		}, nil
	}

	next := *r
	next.Status = domain.ReservationReleased
	next.Version = r.Version + 1
	next.UpdatedAt = now

	if err := s.store.UpdateReservation(ctx, &next, r.Version); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			code, lookupErr := s.lostTransitionCode(ctx, reservationID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			s.metrics.RecordReservationOp(ctx, "release", "error")
			return &ReleaseResult{
				Status:  ReleaseError,
				Code:    code,
				Message: fmt.Sprintf("reservation %s is %s", reservationID, guardState(code)),
			}, nil
		}
		return nil, fmt.Errorf("release reservation %s: %w", reservationID, err)
	}

	s.metrics.RecordReservationOp(ctx, "release", "released")
	s.logger.Debug("reservation released", "reservation_id", reservationID)
	return &ReleaseResult{Status: ReleaseReleased, ReleasedAt: now}, nil
}

// lostTransitionCode reports the state of a reservation after this call
// lost its guarded update to a concurrent writer. A row reserved again
// under a newer claim counts as expired: the claim this call held no
// longer exists.
func (s *Service) lostTransitionCode(ctx context.Context, reservationID string) (string, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return CodeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("read reservation %s: %w", reservationID, err)
	}
	switch r.Status {
	case domain.ReservationConfirmed:
		return CodeAlreadyConfirmed, nil
	case domain.ReservationReleased:
		return CodeAlreadyReleased, nil
	default:
		return CodeAlreadyExpired, nil
	}
}

// transitionGuard returns the error code blocking a confirm or release, or
// "" when the reservation is still transitionable.
func transitionGuard(r *domain.Reservation, now time.Time) string {
	switch r.Status {
	case domain.ReservationConfirmed:
		return CodeAlreadyConfirmed
	case domain.ReservationReleased:
		return CodeAlreadyReleased
	case domain.ReservationExpired:
		return CodeAlreadyExpired
	}
	if r.ExpiredBy(now) {
		return CodeAlreadyExpired
	}
	return ""
}

func guardState(code string) string {
	switch code {
	case CodeAlreadyConfirmed:
		return "already confirmed"
	case CodeAlreadyReleased:
		return "already released"
	default:
		return "already expired"
	}
}

// ExpireBatch transitions up to batchSize elapsed reservations to expired.
// Each invocation re-queries currently elapsed rows, so sweeps are
// independently idempotent and safe to run concurrently: a row another
// sweep already flipped counts as scanned, not expired, and is not an
// error. batchSize zero or negative means the service default.
func (s *Service) ExpireBatch(ctx context.Context, batchSize int) (*ExpireStats, error) {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	now := s.clock()

	elapsed, err := s.store.ListExpiredReservations(ctx, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list elapsed reservations: %w", err)
	}

	stats := &ExpireStats{Scanned: len(elapsed)}
	for _, r := range elapsed {
		flipped, err := s.store.MarkReservationExpired(ctx, r.ID, now)
		if err != nil {
			return stats, fmt.Errorf("expire reservation %s: %w", r.ID, err)
		}
		if flipped {
			stats.Expired++
		}
	}

	if stats.Scanned > 0 {
		s.logger.Debug("reservation sweep",
			"scanned", stats.Scanned,
			"expired", stats.Expired,
		)
	}
	s.metrics.RecordSweep(ctx, int64(stats.Expired))
	return stats, nil
}

// IsActive reports whether the reservation currently holds its key:
// status reserved and TTL not yet elapsed.
func (s *Service) IsActive(ctx context.Context, reservationID string) (bool, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	return r.ActiveAt(s.clock()), nil
}

// IsExpired reports whether the reservation's TTL elapsed, regardless of
// whether a sweep has flipped its status yet.
func (s *Service) IsExpired(ctx context.Context, reservationID string) (bool, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	return r.ExpiredBy(s.clock()), nil
}

// RemainingTTL reports how long the reservation still holds its key: zero
// once lapsed or freed, PermanentTTL once confirmed.
func (s *Service) RemainingTTL(ctx context.Context, reservationID string) (time.Duration, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	switch {
	case r.Status == domain.ReservationConfirmed:
		return PermanentTTL, nil
	case r.Status != domain.ReservationReserved:
		return 0, nil
	case r.ExpiredBy(now):
		return 0, nil
	default:
		return r.ExpiresAt.Sub(now), nil
	}
}
