// Package middleware provides cross-cutting wrappers for the command
// processor: logging, metrics, tracing, panic recovery and authorization.
// Install them with eventsourcing.Use; the first middleware registered
// is the outermost.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/commandkernel/pkg/eventsourcing"
)

// Logging logs every command with its outcome and duration.
func Logging(logger *slog.Logger) eventsourcing.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next eventsourcing.HandlerFunc) eventsourcing.HandlerFunc {
		return func(ctx context.Context, req *eventsourcing.Request) (*eventsourcing.ProcessResult, error) {
			cmd := req.Command
			logger.InfoContext(ctx, "processing command",
				slog.String("command_id", cmd.ID),
				slog.String("command_type", cmd.Type),
				slog.String("stream_type", cmd.StreamType),
				slog.String("stream_id", cmd.StreamID),
				slog.Int("attempt", req.Attempt),
			)

			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "command processing failed",
					slog.String("command_id", cmd.ID),
					slog.String("command_type", cmd.Type),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			logger.InfoContext(ctx, "command processed",
				slog.String("command_id", cmd.ID),
				slog.String("command_type", cmd.Type),
				slog.String("status", string(result.Status)),
				slog.Bool("duplicate", result.Duplicate),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
			return result, nil
		}
	}
}
