package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/qizha/senlin/action"
)

// Recover returns middleware that recovers from panics in the driver chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, act *action.Action, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("action driver panicked",
					slog.String("action", string(act.Type)),
					slog.String("action_id", act.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in action %s: %v", act.Type, r)
			}
		}()
		return next(ctx)
	}
}
