package middleware

import (
	"context"
	"time"

	"github.com/plaenen/commandkernel/pkg/eventsourcing"
	"github.com/plaenen/commandkernel/pkg/observability"
)

// errorOutcome labels handler errors, as opposed to the result statuses.
const errorOutcome = "error"

// Metrics records a counter increment and a duration sample per command,
// labelled by command type and outcome.
func Metrics(m *observability.Metrics) eventsourcing.Middleware {
	return func(next eventsourcing.HandlerFunc) eventsourcing.HandlerFunc {
		return func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
			start := time.Now()
			result, err := next(ctx, req)

			outcome := errorOutcome
			if err == nil {
				outcome = string(result.Status)
			}
			m.RecordCommand(ctx, req.Command.Type, outcome, time.Since(start))

			return result, err
		}
	}
}
