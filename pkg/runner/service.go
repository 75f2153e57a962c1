package runner

import "context"

// Service is a long-running component managed by the Runner. Start should
// block until the service is ready; both methods must respect context
// cancellation.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is an optional extension for services that can report
// their own health.
type HealthChecker interface {
	Service

	HealthCheck(ctx context.Context) error
}
