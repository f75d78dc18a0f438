// Package worker provides the action execution engine — an Executor
// that runs one action through its policy phases, middleware, and the
// driver body, and a Pool of goroutines that claim waiting actions,
// take the per-target lock, and execute them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/driver"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/middleware"
	"github.com/qizha/senlin/notify"
	"github.com/qizha/senlin/policy"
)

// Executor runs a single claimed action: PRE policies, the driver body
// behind the middleware chain, POST policies, terminal status. The pool
// handles locking and ownership; by the time Execute is called the
// caller holds the target lock and the action is RUNNING.
type Executor struct {
	actions  action.Store
	policies *policy.Engine
	driver   driver.Driver
	notify   *notify.Registry
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(
	actions action.Store,
	policies *policy.Engine,
	drv driver.Driver,
	notifiers *notify.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		actions:  actions,
		policies: policies,
		driver:   drv,
		notify:   notifiers,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs the action to a terminal status.
// A CRITICAL PRE verdict fails the action without running the body.
// A cooperative cancel observed at a checkpoint (or reported by the
// driver) cancels it. A driver error fails it; outputs produced before
// the failure are kept. A CRITICAL POST verdict fails the otherwise
// completed action.
func (e *Executor) Execute(ctx context.Context, act *action.Action) error {
	start := time.Now()

	cancelled := e.cancelCheck(ctx, act)

	// PRE phase.
	preResults, err := e.policies.Evaluate(ctx, id.Nil, act, policy.PhasePre)
	e.recordResults(act, preResults)
	if err != nil {
		return e.rejectOrFail(ctx, act, err)
	}

	// Checkpoint between policy evaluation and the body.
	if cancelled() {
		return e.finish(ctx, act, action.StatusCancelled, "cancel requested before execution", senlin.ErrCancelled)
	}

	// Body, behind the middleware chain.
	var outs action.Outputs
	bodyErr := e.mw(ctx, act, func(ctx context.Context) error {
		var err error
		outs, err = e.driver.Execute(ctx, act, cancelled)
		return err
	})
	e.mergeOutputs(act, outs)
	elapsed := time.Since(start)

	if errors.Is(bodyErr, senlin.ErrCancelled) {
		return e.finish(ctx, act, action.StatusCancelled, "cancelled during execution", senlin.ErrCancelled)
	}
	if bodyErr != nil {
		wrapped := &senlin.DriverError{Action: string(act.Type), Err: bodyErr}
		return e.finish(ctx, act, action.StatusFailed, wrapped.Error(), wrapped)
	}

	// POST phase.
	postResults, err := e.policies.Evaluate(ctx, id.Nil, act, policy.PhasePost)
	e.recordResults(act, postResults)
	if err != nil {
		return e.rejectOrFail(ctx, act, err)
	}

	if err := e.finish(ctx, act, action.StatusSucceeded, "completed", nil); err != nil {
		return err
	}
	e.notify.EmitActionCompleted(ctx, act, elapsed)
	return nil
}

// cancelCheck builds the cooperative cancellation checkpoint: the flag
// claimed with the action, refreshed from the store so a cancel
// requested mid-run is observed.
func (e *Executor) cancelCheck(ctx context.Context, act *action.Action) driver.CancelCheck {
	return func() bool {
		if act.CancelRequested {
			return true
		}
		fresh, err := e.actions.GetAction(ctx, act.ID)
		if err != nil {
			e.logger.Warn("cancel flag refresh failed",
				slog.String("action_id", act.ID.String()),
				slog.String("error", err.Error()),
			)
			return false
		}
		act.CancelRequested = fresh.CancelRequested
		return act.CancelRequested
	}
}

// rejectOrFail fails the action for a policy-phase error, emitting the
// rejection hook when a policy vetoed it.
func (e *Executor) rejectOrFail(ctx context.Context, act *action.Action, evalErr error) error {
	var rejected *senlin.PolicyRejectedError
	if errors.As(evalErr, &rejected) {
		if err := e.finish(ctx, act, action.StatusFailed, rejected.Error(), evalErr); err != nil {
			return err
		}
		e.notify.EmitPolicyRejected(ctx, act, rejected.Policy, rejected.Reason)
		return evalErr
	}
	return e.finish(ctx, act, action.StatusFailed, evalErr.Error(), evalErr)
}

// finish transitions the action to its terminal status, persists it,
// and emits the matching lifecycle hook. The returned error is result
// (the cause the caller should propagate) unless persisting failed.
func (e *Executor) finish(ctx context.Context, act *action.Action, status action.Status, reason string, result error) error {
	if err := act.SetStatus(status, reason); err != nil {
		e.logger.Error("invalid terminal transition",
			slog.String("action_id", act.ID.String()),
			slog.String("from", string(act.Status)),
			slog.String("to", string(status)),
		)
		return err
	}
	if err := e.actions.UpdateAction(ctx, act); err != nil {
		e.logger.Error("failed to persist terminal action",
			slog.String("action_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	switch status {
	case action.StatusFailed:
		e.notify.EmitActionFailed(ctx, act, result)
	case action.StatusCancelled:
		e.notify.EmitActionCancelled(ctx, act)
	}
	return result
}

// recordResults appends policy verdicts to the action's outputs so the
// caller can observe what ran and what it said.
func (e *Executor) recordResults(act *action.Action, results []policy.Result) {
	if len(results) == 0 {
		return
	}
	existing, _ := act.Outputs[action.OutputPolicyResults].([]policy.Result)
	act.Outputs[action.OutputPolicyResults] = append(existing, results...)
}

func (e *Executor) mergeOutputs(act *action.Action, outs action.Outputs) {
	for k, v := range outs {
		act.Outputs[k] = v
	}
}
