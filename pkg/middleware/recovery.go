package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/commandkernel/pkg/eventsourcing"
)

// Recovery turns a panic anywhere below it in the chain into an error.
func Recovery(logger *slog.Logger) eventsourcing.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next eventsourcing.HandlerFunc) eventsourcing.HandlerFunc {
		return func(ctx context.Context, req *eventsourcing.Request) (result *eventsourcing.ProcessResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("command_id", req.Command.ID),
						slog.String("command_type", req.Command.Type),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					result = nil
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next(ctx, req)
		}
	}
}
