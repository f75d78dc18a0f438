// Package driver defines the execution body contract. A driver performs
// the actual work behind an action (creating nodes, destroying them,
// probing health) against whatever substrate backs the cluster; the
// dispatcher only schedules, locks, and records.
package driver

import (
	"context"

	"github.com/qizha/senlin/action"
)

// CancelCheck reports whether cooperative cancellation has been
// requested for the running action. Drivers call it at their own safe
// checkpoints; when it returns true the driver should stop, return the
// outputs of the work already done, and report senlin.ErrCancelled.
type CancelCheck func() bool

// Driver executes the body of an action.
//
// A returned error marks the action FAILED unless it is (or wraps)
// senlin.ErrCancelled, which marks it CANCELLED. In both cases the
// returned outputs are persisted, so partial progress is never lost.
type Driver interface {
	Execute(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error)
}

// Func adapts a plain function to the Driver interface.
type Func func(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error)

func (f Func) Execute(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error) {
	return f(ctx, act, cancelled)
}

// EnqueueFunc submits a derived action for later execution. The driver
// uses it to schedule follow-up work such as grace-period destroys; the
// engine backs it with Submit so derived actions flow through the same
// queue as user ones.
type EnqueueFunc func(ctx context.Context, act *action.Action) error
