package worker_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/backoff"
	"github.com/qizha/senlin/driver"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
	"github.com/qizha/senlin/notify"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/store/memory"
	"github.com/qizha/senlin/target"
	"github.com/qizha/senlin/worker"
)

func testConfig() senlin.Config {
	cfg := senlin.DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxLockRetries = 2
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.DeadWorkerThreshold = time.Minute
	return cfg
}

func newPool(t *testing.T, s *memory.Store, drv driver.Driver, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	logger := slog.Default()
	notifiers := notify.NewRegistry(logger)
	locks := lock.NewManager(s, logger)
	eng := policy.NewEngine(s, policy.NewRegistry(), s, logger)
	exec := worker.NewExecutor(s, eng, drv, notifiers, logger)

	opts = append([]worker.PoolOption{
		worker.WithPoolConfig(testConfig()),
		worker.WithBackoff(backoff.NewConstant(5 * time.Millisecond)),
	}, opts...)
	return worker.NewPool(s, exec, locks, notifiers, logger, opts...)
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func enqueue(t *testing.T, s *memory.Store, act *action.Action) {
	t.Helper()
	if err := act.SetStatus(action.StatusWaiting, "enqueued"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.CreateAction(context.Background(), act); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
}

func TestPool_ExecutesWaitingAction(t *testing.T) {
	s := memory.New()
	c := seedTestCluster(t, s)
	pool := newPool(t, s, driver.NewNodeDriver(s, nil, nil))

	act := action.New(action.ClusterScaleOut, c.ID)
	act.Inputs[action.InputCount] = 1
	enqueue(t, s, act)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopPool(t, pool)

	waitFor(t, 2*time.Second, func() bool {
		stored, err := s.GetAction(context.Background(), act.ID)
		return err == nil && stored.Status == action.StatusSucceeded
	}, "action never reached succeeded")

	nodes, err := s.ListNodes(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("cluster has %d nodes, want 1", len(nodes))
	}

	// The lock must be released after execution.
	if _, err := s.GetLock(context.Background(), c.ID); err == nil {
		t.Error("target lock still held after completion")
	}
}

func TestPool_LockBusyExhaustsRetries(t *testing.T) {
	s := memory.New()
	c := seedTestCluster(t, s)
	pool := newPool(t, s, driver.NewNodeDriver(s, nil, nil))

	// Another action holds the target for the whole test.
	blocker := &lock.Lock{
		TargetID:   c.ID,
		ActionID:   id.NewActionID(),
		WorkerID:   id.NewWorkerID(),
		AcquiredAt: time.Now().UTC(),
	}
	if err := s.AcquireLock(context.Background(), blocker); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	act := action.New(action.ClusterScaleOut, c.ID)
	enqueue(t, s, act)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopPool(t, pool)

	waitFor(t, 2*time.Second, func() bool {
		stored, err := s.GetAction(context.Background(), act.ID)
		return err == nil && stored.Status == action.StatusFailed
	}, "lock-busy action never failed")

	stored, _ := s.GetAction(context.Background(), act.ID)
	if !strings.Contains(stored.Reason, "retries exhausted") {
		t.Errorf("failure reason = %q, want retries exhausted", stored.Reason)
	}
	if stored.LockRetries <= testConfig().MaxLockRetries {
		t.Errorf("LockRetries = %d, want > %d", stored.LockRetries, testConfig().MaxLockRetries)
	}
}

func TestPool_LockBusyRequeuePreservesFIFO(t *testing.T) {
	s := memory.New()
	c := seedTestCluster(t, s)
	pool := newPool(t, s, driver.NewNodeDriver(s, nil, nil))

	blocker := &lock.Lock{
		TargetID:   c.ID,
		ActionID:   id.NewActionID(),
		WorkerID:   id.NewWorkerID(),
		AcquiredAt: time.Now().UTC(),
	}
	if err := s.AcquireLock(context.Background(), blocker); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	act := action.New(action.ClusterScaleOut, c.ID)
	act.Inputs[action.InputCount] = 1
	created := act.CreatedAt
	enqueue(t, s, act)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopPool(t, pool)

	// Wait for at least one requeue, then free the target.
	waitFor(t, 2*time.Second, func() bool {
		stored, err := s.GetAction(context.Background(), act.ID)
		return err == nil && stored.LockRetries >= 1
	}, "action was never requeued")

	stored, _ := s.GetAction(context.Background(), act.ID)
	if !stored.CreatedAt.Equal(created) {
		t.Error("requeue moved CreatedAt; queue position must not change")
	}

	if err := s.BreakLock(context.Background(), c.ID); err != nil {
		t.Fatalf("BreakLock: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		fresh, err := s.GetAction(context.Background(), act.ID)
		return err == nil && fresh.Status == action.StatusSucceeded
	}, "requeued action never completed after the lock freed up")
}

func TestPool_StopDrainsAndDeregisters(t *testing.T) {
	s := memory.New()
	pool := newPool(t, s, driver.NewNodeDriver(s, nil, nil))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.GetWorker(context.Background(), pool.WorkerID()); err != nil {
		t.Fatalf("worker not registered: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := s.GetWorker(context.Background(), pool.WorkerID()); err == nil {
		t.Error("worker still registered after Stop")
	}
}

func seedTestCluster(t *testing.T, s *memory.Store) *target.Cluster {
	t.Helper()
	c := &target.Cluster{
		Entity:          senlin.NewEntity(),
		ID:              id.NewClusterID(),
		Name:            "web",
		ProfileID:       id.NewProfileID(),
		DesiredCapacity: 0,
		MaxSize:         10,
		Status:          target.ClusterActive,
	}
	if err := s.CreateCluster(context.Background(), c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	return c
}

func stopPool(t *testing.T, pool *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
