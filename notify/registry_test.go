package notify_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
	"github.com/qizha/senlin/notify"
)

// ──────────────────────────────────────────────────
// Test notifiers
// ──────────────────────────────────────────────────

// allHooksNotifier implements every lifecycle hook for testing.
type allHooksNotifier struct {
	calls []string
}

func (n *allHooksNotifier) Name() string { return "all-hooks" }

func (n *allHooksNotifier) OnActionSubmitted(_ context.Context, _ *action.Action) error {
	n.calls = append(n.calls, "OnActionSubmitted")
	return nil
}

func (n *allHooksNotifier) OnActionStarted(_ context.Context, _ *action.Action) error {
	n.calls = append(n.calls, "OnActionStarted")
	return nil
}

func (n *allHooksNotifier) OnActionCompleted(_ context.Context, _ *action.Action, _ time.Duration) error {
	n.calls = append(n.calls, "OnActionCompleted")
	return nil
}

func (n *allHooksNotifier) OnActionFailed(_ context.Context, _ *action.Action, _ error) error {
	n.calls = append(n.calls, "OnActionFailed")
	return nil
}

func (n *allHooksNotifier) OnActionCancelled(_ context.Context, _ *action.Action) error {
	n.calls = append(n.calls, "OnActionCancelled")
	return nil
}

func (n *allHooksNotifier) OnActionRequeued(_ context.Context, _ *action.Action, _ int, _ time.Time) error {
	n.calls = append(n.calls, "OnActionRequeued")
	return nil
}

func (n *allHooksNotifier) OnPolicyRejected(_ context.Context, _ *action.Action, _, _ string) error {
	n.calls = append(n.calls, "OnPolicyRejected")
	return nil
}

func (n *allHooksNotifier) OnLockStolen(_ context.Context, _ id.AnyID, _ *lock.Lock) error {
	n.calls = append(n.calls, "OnLockStolen")
	return nil
}

func (n *allHooksNotifier) OnShutdown(_ context.Context) error {
	n.calls = append(n.calls, "OnShutdown")
	return nil
}

// submitOnlyNotifier only implements the submission hook.
type submitOnlyNotifier struct {
	calls []string
}

func (n *submitOnlyNotifier) Name() string { return "submit-only" }

func (n *submitOnlyNotifier) OnActionSubmitted(_ context.Context, _ *action.Action) error {
	n.calls = append(n.calls, "OnActionSubmitted")
	return nil
}

// failingNotifier returns errors from hooks.
type failingNotifier struct{}

func (n *failingNotifier) Name() string { return "failing" }

func (n *failingNotifier) OnActionSubmitted(_ context.Context, _ *action.Action) error {
	return errors.New("boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := notify.NewRegistry(slog.Default())
	all := &allHooksNotifier{}
	r.Register(all)

	if got := len(r.Notifiers()); got != 1 {
		t.Fatalf("expected 1 notifier, got %d", got)
	}
	if got := r.Notifiers()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := notify.NewRegistry(slog.Default())
	all := &allHooksNotifier{}
	so := &submitOnlyNotifier{}
	r.Register(all)
	r.Register(so)

	ctx := context.Background()
	act := action.New(action.ClusterScaleIn, id.NewClusterID())

	// Both implement OnActionSubmitted → both called.
	r.EmitActionSubmitted(ctx, act)
	if len(all.calls) != 1 || all.calls[0] != "OnActionSubmitted" {
		t.Fatalf("all: expected [OnActionSubmitted], got %v", all.calls)
	}
	if len(so.calls) != 1 || so.calls[0] != "OnActionSubmitted" {
		t.Fatalf("so: expected [OnActionSubmitted], got %v", so.calls)
	}

	// Only all implements OnActionStarted → so not called.
	r.EmitActionStarted(ctx, act)
	if len(all.calls) != 2 || all.calls[1] != "OnActionStarted" {
		t.Fatalf("all: expected OnActionStarted as 2nd, got %v", all.calls)
	}
	if len(so.calls) != 1 {
		t.Fatalf("so: should still have 1 call, got %v", so.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := notify.NewRegistry(slog.Default())
	all := &allHooksNotifier{}
	r.Register(all)

	ctx := context.Background()
	act := action.New(action.ClusterDelete, id.NewClusterID())

	r.EmitActionSubmitted(ctx, act)
	r.EmitActionStarted(ctx, act)
	r.EmitActionCompleted(ctx, act, time.Second)
	r.EmitActionFailed(ctx, act, errors.New("fail"))
	r.EmitActionCancelled(ctx, act)
	r.EmitActionRequeued(ctx, act, 1, time.Now())
	r.EmitPolicyRejected(ctx, act, "deletion", "at capacity floor")
	r.EmitLockStolen(ctx, act.TargetID, &lock.Lock{TargetID: act.TargetID})
	r.EmitShutdown(ctx)

	expected := []string{
		"OnActionSubmitted", "OnActionStarted", "OnActionCompleted",
		"OnActionFailed", "OnActionCancelled", "OnActionRequeued",
		"OnPolicyRejected", "OnLockStolen", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := notify.NewRegistry(slog.Default())
	failing := &failingNotifier{}
	all := &allHooksNotifier{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(failing)
	r.Register(all)

	ctx := context.Background()
	act := action.New(action.NodeDelete, id.NewNodeID())

	// No panic, no error propagation. allHooksNotifier should still fire.
	r.EmitActionSubmitted(ctx, act)

	if len(all.calls) != 1 || all.calls[0] != "OnActionSubmitted" {
		t.Fatalf("all: expected [OnActionSubmitted] despite failing notifier, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := notify.NewRegistry(slog.Default())
	ctx := context.Background()
	act := action.New(action.ClusterCheck, id.NewClusterID())

	// None of these should panic or error.
	r.EmitActionSubmitted(ctx, act)
	r.EmitActionStarted(ctx, act)
	r.EmitActionCompleted(ctx, act, time.Second)
	r.EmitActionFailed(ctx, act, errors.New("x"))
	r.EmitActionCancelled(ctx, act)
	r.EmitActionRequeued(ctx, act, 1, time.Now())
	r.EmitPolicyRejected(ctx, act, "p", "r")
	r.EmitLockStolen(ctx, act.TargetID, nil)
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleNotifiersOrderPreserved(t *testing.T) {
	r := notify.NewRegistry(slog.Default())
	n1 := &allHooksNotifier{}
	n2 := &allHooksNotifier{}
	r.Register(n1)
	r.Register(n2)

	ctx := context.Background()
	r.EmitActionSubmitted(ctx, action.New(action.ClusterScaleOut, id.NewClusterID()))

	if len(n1.calls) != 1 {
		t.Errorf("n1: expected 1 call, got %d", len(n1.calls))
	}
	if len(n2.calls) != 1 {
		t.Errorf("n2: expected 1 call, got %d", len(n2.calls))
	}
}
