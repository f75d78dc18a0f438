package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/qizha/senlin/action"
)

// Logging returns middleware that logs action start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, act *action.Action, next Handler) error {
		logger.Info("action started",
			slog.String("action", string(act.Type)),
			slog.String("action_id", act.ID.String()),
			slog.String("target_id", act.TargetID.String()),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("action failed",
				slog.String("action", string(act.Type)),
				slog.String("action_id", act.ID.String()),
				slog.String("target_id", act.TargetID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("action completed",
				slog.String("action", string(act.Type)),
				slog.String("action_id", act.ID.String()),
				slog.String("target_id", act.TargetID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
