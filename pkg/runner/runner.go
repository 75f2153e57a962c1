// Package runner manages the lifecycle of the daemon's long-running
// services: sequential startup, reverse-order graceful shutdown, and
// aggregated shutdown errors.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultStartupTimeout  = time.Minute
)

// Runner starts a set of services and stops them when the context ends.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithShutdownTimeout bounds graceful shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = timeout }
}

// WithStartupTimeout bounds each service's Start call. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = timeout }
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
		startupTimeout:  defaultStartupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service in registration order and blocks until the
// context is cancelled or a shutdown signal arrives, then stops them in
// reverse order. If a service fails to start, the ones already started
// are stopped and the error is returned.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := NotifyShutdown(ctx)
	defer stop()

	r.logger.Info("starting services", "count", len(r.services))

	var started []Service
	for _, service := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("service failed to start", "service", service.Name(), "error", err)
			if stopErr := r.stopServices(started); stopErr != nil {
				r.logger.Error("rollback stop failed", "error", stopErr)
			}
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services concurrently in reverse registration order,
// bounded by the shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))

	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := service.Stop(shutdownCtx); err != nil {
				r.logger.Error("service failed to stop", "service", service.Name(), "error", err)
				errCh <- fmt.Errorf("stop %s: %w", service.Name(), err)
				return
			}
			r.logger.Info("service stopped", "service", service.Name())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout %s exceeded", r.shutdownTimeout)
	}
}

// HealthCheck runs the health check of every service that has one.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
