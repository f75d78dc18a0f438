package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
)

// Named entry types pair a hook implementation with the notifier name
// captured at registration time. This avoids type-asserting back to
// Notifier inside the emit methods.
type actionSubmittedEntry struct {
	name string
	hook ActionSubmitted
}

type actionStartedEntry struct {
	name string
	hook ActionStarted
}

type actionCompletedEntry struct {
	name string
	hook ActionCompleted
}

type actionFailedEntry struct {
	name string
	hook ActionFailed
}

type actionCancelledEntry struct {
	name string
	hook ActionCancelled
}

type actionRequeuedEntry struct {
	name string
	hook ActionRequeued
}

type policyRejectedEntry struct {
	name string
	hook PolicyRejected
}

type lockStolenEntry struct {
	name string
	hook LockStolen
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered notifiers and dispatches lifecycle events
// to them. It type-caches notifiers at registration time so emit calls
// iterate only over notifiers that implement the relevant hook.
type Registry struct {
	notifiers []Notifier
	logger    *slog.Logger

	// Type-cached slices for each lifecycle hook.
	actionSubmitted []actionSubmittedEntry
	actionStarted   []actionStartedEntry
	actionCompleted []actionCompletedEntry
	actionFailed    []actionFailedEntry
	actionCancelled []actionCancelledEntry
	actionRequeued  []actionRequeuedEntry
	policyRejected  []policyRejectedEntry
	lockStolen      []lockStolenEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates a notifier registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a notifier and type-asserts it into all applicable hook
// caches. Notifiers are notified in registration order.
func (r *Registry) Register(n Notifier) {
	r.notifiers = append(r.notifiers, n)
	name := n.Name()

	if h, ok := n.(ActionSubmitted); ok {
		r.actionSubmitted = append(r.actionSubmitted, actionSubmittedEntry{name, h})
	}
	if h, ok := n.(ActionStarted); ok {
		r.actionStarted = append(r.actionStarted, actionStartedEntry{name, h})
	}
	if h, ok := n.(ActionCompleted); ok {
		r.actionCompleted = append(r.actionCompleted, actionCompletedEntry{name, h})
	}
	if h, ok := n.(ActionFailed); ok {
		r.actionFailed = append(r.actionFailed, actionFailedEntry{name, h})
	}
	if h, ok := n.(ActionCancelled); ok {
		r.actionCancelled = append(r.actionCancelled, actionCancelledEntry{name, h})
	}
	if h, ok := n.(ActionRequeued); ok {
		r.actionRequeued = append(r.actionRequeued, actionRequeuedEntry{name, h})
	}
	if h, ok := n.(PolicyRejected); ok {
		r.policyRejected = append(r.policyRejected, policyRejectedEntry{name, h})
	}
	if h, ok := n.(LockStolen); ok {
		r.lockStolen = append(r.lockStolen, lockStolenEntry{name, h})
	}
	if h, ok := n.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Notifiers returns all registered notifiers.
func (r *Registry) Notifiers() []Notifier { return r.notifiers }

// ──────────────────────────────────────────────────
// Action event emitters
// ──────────────────────────────────────────────────

// EmitActionSubmitted notifies all notifiers that implement ActionSubmitted.
func (r *Registry) EmitActionSubmitted(ctx context.Context, act *action.Action) {
	for _, e := range r.actionSubmitted {
		if err := e.hook.OnActionSubmitted(ctx, act); err != nil {
			r.logHookError("OnActionSubmitted", e.name, err)
		}
	}
}

// EmitActionStarted notifies all notifiers that implement ActionStarted.
func (r *Registry) EmitActionStarted(ctx context.Context, act *action.Action) {
	for _, e := range r.actionStarted {
		if err := e.hook.OnActionStarted(ctx, act); err != nil {
			r.logHookError("OnActionStarted", e.name, err)
		}
	}
}

// EmitActionCompleted notifies all notifiers that implement ActionCompleted.
func (r *Registry) EmitActionCompleted(ctx context.Context, act *action.Action, elapsed time.Duration) {
	for _, e := range r.actionCompleted {
		if err := e.hook.OnActionCompleted(ctx, act, elapsed); err != nil {
			r.logHookError("OnActionCompleted", e.name, err)
		}
	}
}

// EmitActionFailed notifies all notifiers that implement ActionFailed.
func (r *Registry) EmitActionFailed(ctx context.Context, act *action.Action, actErr error) {
	for _, e := range r.actionFailed {
		if err := e.hook.OnActionFailed(ctx, act, actErr); err != nil {
			r.logHookError("OnActionFailed", e.name, err)
		}
	}
}

// EmitActionCancelled notifies all notifiers that implement ActionCancelled.
func (r *Registry) EmitActionCancelled(ctx context.Context, act *action.Action) {
	for _, e := range r.actionCancelled {
		if err := e.hook.OnActionCancelled(ctx, act); err != nil {
			r.logHookError("OnActionCancelled", e.name, err)
		}
	}
}

// EmitActionRequeued notifies all notifiers that implement ActionRequeued.
func (r *Registry) EmitActionRequeued(ctx context.Context, act *action.Action, attempt int, nextRunAt time.Time) {
	for _, e := range r.actionRequeued {
		if err := e.hook.OnActionRequeued(ctx, act, attempt, nextRunAt); err != nil {
			r.logHookError("OnActionRequeued", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Policy and lock event emitters
// ──────────────────────────────────────────────────

// EmitPolicyRejected notifies all notifiers that implement PolicyRejected.
func (r *Registry) EmitPolicyRejected(ctx context.Context, act *action.Action, policyName, reason string) {
	for _, e := range r.policyRejected {
		if err := e.hook.OnPolicyRejected(ctx, act, policyName, reason); err != nil {
			r.logHookError("OnPolicyRejected", e.name, err)
		}
	}
}

// EmitLockStolen notifies all notifiers that implement LockStolen. It
// also satisfies the lock manager's Emitter interface.
func (r *Registry) EmitLockStolen(ctx context.Context, targetID id.AnyID, previous *lock.Lock) {
	for _, e := range r.lockStolen {
		if err := e.hook.OnLockStolen(ctx, targetID, previous); err != nil {
			r.logHookError("OnLockStolen", e.name, err)
		}
	}
}

// EmitShutdown notifies all notifiers that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block execution.
func (r *Registry) logHookError(hook, notifierName string, err error) {
	r.logger.Warn("notifier hook error",
		slog.String("hook", hook),
		slog.String("notifier", notifierName),
		slog.String("error", err.Error()),
	)
}
