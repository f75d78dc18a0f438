package middleware

import (
	"context"
	"log/slog"

	"github.com/qizha/senlin/action"
)

// Timeout returns middleware that enforces a per-action execution
// deadline. If the action has a non-zero Timeout, a context.WithTimeout
// wraps the driver call. When the deadline is exceeded the context is
// cancelled and the driver should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, act *action.Action, next Handler) error {
		if act.Timeout > 0 {
			logger.Debug("action timeout set",
				slog.String("action_id", act.ID.String()),
				slog.Duration("timeout", act.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, act.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
