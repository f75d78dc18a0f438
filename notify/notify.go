// Package notify defines the notifier system for the engine.
// Notifiers observe action lifecycle events (submitted, started,
// completed, cancelled, etc.) and can react to them — event records,
// webhooks, audit trails.
//
// Each lifecycle hook is a separate interface so notifiers opt in only
// to the events they care about.
package notify

import (
	"context"
	"time"

	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
)

// Notifier is the base interface all notifiers must implement.
type Notifier interface {
	// Name returns a unique human-readable name for the notifier.
	Name() string
}

// ──────────────────────────────────────────────────
// Action lifecycle hooks
// ──────────────────────────────────────────────────

// ActionSubmitted is called after an action is accepted and persisted.
type ActionSubmitted interface {
	OnActionSubmitted(ctx context.Context, act *action.Action) error
}

// ActionStarted is called when a worker begins executing an action,
// after the target lock has been acquired.
type ActionStarted interface {
	OnActionStarted(ctx context.Context, act *action.Action) error
}

// ActionCompleted is called after an action finishes successfully.
type ActionCompleted interface {
	OnActionCompleted(ctx context.Context, act *action.Action, elapsed time.Duration) error
}

// ActionFailed is called when an action fails terminally.
type ActionFailed interface {
	OnActionFailed(ctx context.Context, act *action.Action, err error) error
}

// ActionCancelled is called when an action stops with CANCELLED status,
// whether it never started or aborted mid-flight.
type ActionCancelled interface {
	OnActionCancelled(ctx context.Context, act *action.Action) error
}

// ActionRequeued is called when a claimed action is returned to the
// waiting queue because its target lock was busy.
type ActionRequeued interface {
	OnActionRequeued(ctx context.Context, act *action.Action, attempt int, nextRunAt time.Time) error
}

// ──────────────────────────────────────────────────
// Policy and lock hooks
// ──────────────────────────────────────────────────

// PolicyRejected is called when a policy check vetoes an action.
type PolicyRejected interface {
	OnPolicyRejected(ctx context.Context, act *action.Action, policyName, reason string) error
}

// LockStolen is called when a target lock held by a dead worker is
// forcibly broken.
type LockStolen interface {
	OnLockStolen(ctx context.Context, targetID id.AnyID, previous *lock.Lock) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
