// Package eventbus adapts the event bus to the runner's service
// lifecycle. With no URL configured it boots an embedded NATS server
// first, so dev mode needs no external broker.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/commandkernel/pkg/eventbus"
	infranats "github.com/plaenen/commandkernel/pkg/infrastructure/nats"
	"github.com/plaenen/commandkernel/pkg/runner"
)

// Service owns an event bus, and in dev mode the embedded NATS server
// under it. Start order matters for the runner: place this before any
// service that consumes the bus.
type Service struct {
	cfg        eventbus.Config
	logger     *slog.Logger
	serverOpts []infranats.EmbeddedOption

	server *infranats.EmbeddedServer
	bus    *eventbus.Bus
}

// Option configures the service.
type Option func(*Service)

// WithConfig sets the bus configuration. An empty URL means an embedded
// server is started and used.
func WithConfig(cfg eventbus.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithServerOptions passes options to the embedded server. Only used when
// the configured URL is empty.
func WithServerOptions(opts ...infranats.EmbeddedOption) Option {
	return func(s *Service) { s.serverOpts = opts }
}

// New creates the service. Connections are made on Start. The default
// configuration has no URL, so the default mode is embedded.
func New(opts ...Option) *Service {
	cfg := eventbus.DefaultConfig()
	cfg.URL = ""

	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string { return "eventbus" }

// Start brings up the embedded server when no URL is configured, then
// connects the bus and ensures its stream.
func (s *Service) Start(ctx context.Context) error {
	url := s.cfg.URL
	if url == "" {
		srv, err := infranats.StartEmbeddedServer(s.serverOpts...)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		s.server = srv
		url = srv.URL()
		s.logger.Info("embedded nats started for event bus", "url", url)
	}

	cfg := s.cfg
	cfg.URL = url
	bus, err := eventbus.New(cfg, eventbus.WithLogger(s.logger))
	if err != nil {
		if s.server != nil {
			s.server.Shutdown()
			s.server = nil
		}
		return fmt.Errorf("create event bus: %w", err)
	}
	s.bus = bus

	s.logger.Info("event bus started", "stream", cfg.StreamName, "url", url)
	return nil
}

// Stop closes the bus, then shuts down the embedded server when one was
// started.
func (s *Service) Stop(ctx context.Context) error {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("closing event bus", "error", err)
		}
		s.bus = nil
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.logger.Info("event bus stopped")
	return nil
}

// HealthCheck verifies the broker behind the bus accepts connections.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.bus == nil {
		return fmt.Errorf("event bus not started")
	}

	url := s.cfg.URL
	if s.server != nil {
		url = s.server.URL()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return fmt.Errorf("event bus broker not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// Bus returns the event bus. Nil before Start.
func (s *Service) Bus() *eventbus.Bus {
	return s.bus
}

// URL returns the broker URL in use. Empty before Start in dev mode.
func (s *Service) URL() string {
	if s.server != nil {
		return s.server.URL()
	}
	return s.cfg.URL
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
