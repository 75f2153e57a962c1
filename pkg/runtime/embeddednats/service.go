// Package embeddednats adapts the embedded NATS server to the runner's
// service lifecycle. The daemon uses it for single-binary dev mode, where
// queue and event bus traffic stay in process.
package embeddednats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/commandkernel/pkg/infrastructure/nats"
	"github.com/plaenen/commandkernel/pkg/runner"
)

// Service runs an embedded NATS server as a runner.Service.
type Service struct {
	server     *nats.EmbeddedServer
	logger     *slog.Logger
	serverOpts []nats.EmbeddedOption
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithServerOptions passes options through to the embedded server.
func WithServerOptions(opts ...nats.EmbeddedOption) Option {
	return func(s *Service) { s.serverOpts = opts }
}

// New creates the service. The server starts on Start, not here.
func New(opts ...Option) *Service {
	s := &Service{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string { return "embedded-nats" }

// Start boots the server and waits until it accepts connections.
func (s *Service) Start(ctx context.Context) error {
	srv, err := nats.StartEmbeddedServer(s.serverOpts...)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	s.server = srv

	s.logger.Info("embedded nats started", "url", srv.URL())
	return nil
}

// Stop shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("embedded nats stopped")
	}
	return nil
}

// HealthCheck verifies the server accepts connections.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.server == nil {
		return fmt.Errorf("embedded nats not started")
	}
	nc, err := nats.ConnectToEmbedded(s.server)
	if err != nil {
		return fmt.Errorf("embedded nats not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the connection URL. Empty before Start.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

// Server returns the underlying embedded server. Nil before Start.
func (s *Service) Server() *nats.EmbeddedServer {
	return s.server
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
