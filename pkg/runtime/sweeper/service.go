// Package sweeper runs the periodic maintenance passes: transitioning
// elapsed reservations to expired and purging command ledger records past
// retention. It plugs into the runner as a background service.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/commandkernel/pkg/reservation"
	"github.com/plaenen/commandkernel/pkg/runner"
	"github.com/plaenen/commandkernel/pkg/store"
)

const (
	// DefaultInterval is the pause between maintenance passes.
	DefaultInterval = 30 * time.Second

	// DefaultBatchSize bounds each pass.
	DefaultBatchSize = 100
)

// Service periodically expires reservations and purges command records.
// Passes are idempotent, so running several sweepers against the same
// store is safe.
type Service struct {
	reservations *reservation.Service
	commands     store.CommandStore
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger
	clock        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the sweeper.
type Option func(*Service)

// WithInterval sets the pause between passes. Default 30s.
func WithInterval(interval time.Duration) Option {
	return func(s *Service) { s.interval = interval }
}

// WithBatchSize bounds each pass. Default 100.
func WithBatchSize(n int) Option {
	return func(s *Service) { s.batchSize = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New creates a sweeper over the given reservation service and command
// ledger. Either may be nil, but not both.
func New(reservations *reservation.Service, commands store.CommandStore, opts ...Option) (*Service, error) {
	if reservations == nil && commands == nil {
		return nil, fmt.Errorf("sweeper needs a reservation service or a command store")
	}

	s := &Service{
		reservations: reservations,
		commands:     commands,
		interval:     DefaultInterval,
		batchSize:    DefaultBatchSize,
		logger:       slog.Default(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", s.interval)
	}
	if s.batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", s.batchSize)
	}
	return s, nil
}

func (s *Service) Name() string { return "sweeper" }

// Start runs one pass immediately, then one per interval until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("sweeper already started")
	}

	// The runner cancels its start context once Start returns, so the
	// loop runs on its own.
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)

	s.logger.Info("sweeper started", "interval", s.interval, "batch_size", s.batchSize)
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper did not stop: %w", ctx.Err())
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Errors are logged, not returned to the
// loop; the next pass retries.
func (s *Service) Sweep(ctx context.Context) {
	if s.reservations != nil {
		stats, err := s.reservations.ExpireBatch(ctx, s.batchSize)
		if err != nil {
			s.logger.Error("reservation sweep failed", "error", err)
		} else if stats.Expired > 0 {
			s.logger.Info("reservations expired", "count", stats.Expired)
		}
	}

	if s.commands != nil {
		removed, err := s.commands.DeleteExpiredCommands(ctx, s.clock(), s.batchSize)
		if err != nil {
			s.logger.Error("command ledger purge failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("command records purged", "count", removed)
		}
	}
}

var _ runner.Service = (*Service)(nil)
