package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/driver"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/notify"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/store/memory"
	"github.com/qizha/senlin/target"
	"github.com/qizha/senlin/worker"
)

// vetoPolicy reports CRITICAL at the configured phase.
type vetoPolicy struct {
	name  string
	phase policy.Phase
}

func (p *vetoPolicy) Name() string     { return p.name }
func (p *vetoPolicy) TypeName() string { return "veto" }
func (p *vetoPolicy) Validate() error  { return nil }

func (p *vetoPolicy) Targets() []policy.Target {
	return []policy.Target{{Phase: p.phase, ActionType: action.ClusterScaleOut}}
}

func (p *vetoPolicy) PreCheck(_ context.Context, _ *policy.Request) (*policy.Result, error) {
	return &policy.Result{Severity: policy.SeverityCritical, Reason: "vetoed"}, nil
}

func (p *vetoPolicy) PostCheck(_ context.Context, _ *policy.Request) (*policy.Result, error) {
	return &policy.Result{Severity: policy.SeverityCritical, Reason: "vetoed"}, nil
}

type testEnv struct {
	store    *memory.Store
	registry *policy.Registry
	notify   *notify.Registry
	cluster  *target.Cluster
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	s := memory.New()
	c := &target.Cluster{
		Entity:          senlin.NewEntity(),
		ID:              id.NewClusterID(),
		Name:            "web",
		DesiredCapacity: 2,
		MaxSize:         10,
		Status:          target.ClusterActive,
	}
	if err := s.CreateCluster(context.Background(), c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	return &testEnv{
		store:    s,
		registry: policy.NewRegistry(),
		notify:   notify.NewRegistry(slog.Default()),
		cluster:  c,
	}
}

func (env *testEnv) executor(t *testing.T, drv driver.Driver) *worker.Executor {
	t.Helper()
	eng := policy.NewEngine(env.store, env.registry, env.store, slog.Default())
	return worker.NewExecutor(env.store, eng, drv, env.notify, slog.Default())
}

// runningAction persists an action in the state the pool hands to the
// executor: claimed and marked running.
func (env *testEnv) runningAction(t *testing.T, typ action.Type) *action.Action {
	t.Helper()
	act := action.New(typ, env.cluster.ID)
	if err := act.SetStatus(action.StatusWaiting, "enqueued"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := env.store.CreateAction(context.Background(), act); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	if err := act.SetStatus(action.StatusRunning, "executing"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := env.store.UpdateAction(context.Background(), act); err != nil {
		t.Fatalf("UpdateAction: %v", err)
	}
	return act
}

func TestExecute_Success(t *testing.T) {
	env := setup(t)
	drv := driver.Func(func(_ context.Context, _ *action.Action, _ driver.CancelCheck) (action.Outputs, error) {
		out := action.Outputs{}
		out.AppendString(action.OutputCreatedNodes, id.NewNodeID().String())
		return out, nil
	})
	exec := env.executor(t, drv)
	act := env.runningAction(t, action.ClusterScaleOut)

	if err := exec.Execute(context.Background(), act); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stored, err := env.store.GetAction(context.Background(), act.ID)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if stored.Status != action.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", stored.Status)
	}
	if len(stored.Outputs.Strings(action.OutputCreatedNodes)) != 1 {
		t.Errorf("driver outputs not persisted: %v", stored.Outputs)
	}
}

func TestExecute_DriverFailure(t *testing.T) {
	env := setup(t)
	boom := errors.New("resource provider unavailable")
	drv := driver.Func(func(_ context.Context, _ *action.Action, _ driver.CancelCheck) (action.Outputs, error) {
		return nil, boom
	})
	exec := env.executor(t, drv)
	act := env.runningAction(t, action.ClusterScaleOut)

	err := exec.Execute(context.Background(), act)
	var driverErr *senlin.DriverError
	if !errors.As(err, &driverErr) {
		t.Fatalf("got %v, want DriverError", err)
	}
	if !errors.Is(err, boom) {
		t.Error("driver cause not preserved through the wrap")
	}

	stored, _ := env.store.GetAction(context.Background(), act.ID)
	if stored.Status != action.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestExecute_DriverCancellation(t *testing.T) {
	env := setup(t)
	drv := driver.Func(func(_ context.Context, _ *action.Action, _ driver.CancelCheck) (action.Outputs, error) {
		out := action.Outputs{}
		out.AppendString(action.OutputCreatedNodes, id.NewNodeID().String())
		return out, senlin.ErrCancelled
	})
	exec := env.executor(t, drv)
	act := env.runningAction(t, action.ClusterScaleOut)

	if err := exec.Execute(context.Background(), act); !errors.Is(err, senlin.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}

	stored, _ := env.store.GetAction(context.Background(), act.ID)
	if stored.Status != action.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
	if len(stored.Outputs.Strings(action.OutputCreatedNodes)) != 1 {
		t.Error("partial outputs lost on cancellation")
	}
}

func TestExecute_PreVetoSkipsBody(t *testing.T) {
	env := setup(t)
	env.registry.Register("veto", func(name string, _ []byte) (policy.Policy, error) {
		return &vetoPolicy{name: name, phase: policy.PhasePre}, nil
	})
	if err := env.store.AttachPolicy(context.Background(), policy.NewBinding(env.cluster.ID, "no-scale", "veto", nil)); err != nil {
		t.Fatalf("AttachPolicy: %v", err)
	}

	var bodyRan atomic.Bool
	drv := driver.Func(func(_ context.Context, _ *action.Action, _ driver.CancelCheck) (action.Outputs, error) {
		bodyRan.Store(true)
		return nil, nil
	})
	exec := env.executor(t, drv)
	act := env.runningAction(t, action.ClusterScaleOut)

	err := exec.Execute(context.Background(), act)
	var rejected *senlin.PolicyRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want PolicyRejectedError", err)
	}
	if bodyRan.Load() {
		t.Error("driver body ran despite CRITICAL PRE verdict")
	}

	stored, _ := env.store.GetAction(context.Background(), act.ID)
	if stored.Status != action.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestExecute_PostVetoFailsCompletedBody(t *testing.T) {
	env := setup(t)
	env.registry.Register("veto", func(name string, _ []byte) (policy.Policy, error) {
		return &vetoPolicy{name: name, phase: policy.PhasePost}, nil
	})
	if err := env.store.AttachPolicy(context.Background(), policy.NewBinding(env.cluster.ID, "post-veto", "veto", nil)); err != nil {
		t.Fatalf("AttachPolicy: %v", err)
	}

	var bodyRan atomic.Bool
	drv := driver.Func(func(_ context.Context, _ *action.Action, _ driver.CancelCheck) (action.Outputs, error) {
		bodyRan.Store(true)
		return action.Outputs{}, nil
	})
	exec := env.executor(t, drv)
	act := env.runningAction(t, action.ClusterScaleOut)

	err := exec.Execute(context.Background(), act)
	var rejected *senlin.PolicyRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want PolicyRejectedError", err)
	}
	if !bodyRan.Load() {
		t.Error("driver body should run before POST evaluation")
	}

	stored, _ := env.store.GetAction(context.Background(), act.ID)
	if stored.Status != action.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestExecute_CancelFlagObservedBeforeBody(t *testing.T) {
	env := setup(t)

	var bodyRan atomic.Bool
	drv := driver.Func(func(_ context.Context, _ *action.Action, _ driver.CancelCheck) (action.Outputs, error) {
		bodyRan.Store(true)
		return nil, nil
	})
	exec := env.executor(t, drv)
	act := env.runningAction(t, action.ClusterScaleOut)

	// Cancel requested while the action is owned: only the flag is set,
	// the executor observes it at its checkpoint.
	if _, err := env.store.RequestCancel(context.Background(), act.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	if err := exec.Execute(context.Background(), act); !errors.Is(err, senlin.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	if bodyRan.Load() {
		t.Error("driver body ran despite cancel flag")
	}

	stored, _ := env.store.GetAction(context.Background(), act.ID)
	if stored.Status != action.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
}
