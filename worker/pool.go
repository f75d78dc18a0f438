package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/backoff"
	"github.com/qizha/senlin/fleet"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
	"github.com/qizha/senlin/notify"
	"github.com/qizha/senlin/store"
	"github.com/qizha/senlin/throttle"
)

// Pool manages a set of goroutines that claim waiting actions, acquire
// the per-target lock, and run them through the Executor. One Pool is
// one worker in the fleet: it registers itself, heartbeats, and reaps
// the claims and locks of workers that stopped heartbeating.
type Pool struct {
	store    store.Store
	executor *Executor
	locks    *lock.Manager
	notify   *notify.Registry
	backoff  backoff.Strategy
	throttle *throttle.Manager
	config   senlin.Config
	workerID id.WorkerID
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConfig replaces the pool's configuration.
func WithPoolConfig(cfg senlin.Config) PoolOption {
	return func(p *Pool) { p.config = cfg }
}

// WithBackoff sets the delay strategy for lock-busy requeues.
func WithBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.backoff = s }
}

// WithThrottle sets the per-cluster throttle consulted before execution.
func WithThrottle(m *throttle.Manager) PoolOption {
	return func(p *Pool) { p.throttle = m }
}

// NewPool creates a worker pool.
func NewPool(
	s store.Store,
	executor *Executor,
	locks *lock.Manager,
	notifiers *notify.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:    s,
		executor: executor,
		locks:    locks,
		notify:   notifiers,
		backoff:  backoff.DefaultStrategy(),
		config:   senlin.DefaultConfig(),
		workerID: id.NewWorkerID(),
		logger:   logger,
		stopCh:   make(chan struct{}),
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's fleet identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start registers the worker and launches the claim, heartbeat, and
// reaper goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	hostname, _ := os.Hostname()
	w := &fleet.Worker{
		ID:        p.workerID,
		Hostname:  hostname,
		Workers:   p.config.Workers,
		State:     fleet.WorkerActive,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.RegisterWorker(ctx, w); err != nil {
		p.running = false
		return err
	}

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.config.Workers),
	)

	for range p.config.Workers {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.config.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	if p.config.DeadWorkerThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all goroutines to stop and waits for in-flight actions
// to drain. If the context expires first, in-flight action contexts are
// cancelled; bodies observe it at their next checkpoint. The worker is
// deregistered on the way out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight actions")
		p.cancelActive()
		p.wg.Wait()
	}

	if err := p.store.DeregisterWorker(context.Background(), p.workerID); err != nil {
		p.logger.Warn("worker deregistration failed",
			slog.String("worker_id", p.workerID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		acts, err := p.store.ClaimActions(context.Background(), p.workerID, 1)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if len(acts) == 0 {
			p.sleep()
			continue
		}

		p.process(acts[0])
	}
}

// process takes one claimed action through lock acquisition and
// execution.
func (p *Pool) process(act *action.Action) {
	ctx := context.Background()

	// Checkpoint before any resources are taken: a cancel requested
	// between enqueue and claim terminates the action here, body never
	// runs.
	if act.CancelRequested {
		p.terminate(ctx, act, action.StatusCancelled, "cancelled before execution")
		p.notify.EmitActionCancelled(ctx, act)
		return
	}

	key, ok := p.admit(ctx, act)
	if !ok {
		return
	}
	defer p.releaseThrottle(key)

	if !p.acquireLock(ctx, act) {
		return
	}
	defer func() {
		if err := p.locks.Release(ctx, act.TargetID, act.ID); err != nil {
			p.logger.Error("lock release failed",
				slog.String("target_id", act.TargetID.String()),
				slog.String("action_id", act.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := act.SetStatus(action.StatusRunning, "executing"); err != nil {
		p.logger.Error("claimed action in unexpected state",
			slog.String("action_id", act.ID.String()),
			slog.String("status", string(act.Status)),
		)
		return
	}
	if err := p.store.UpdateAction(ctx, act); err != nil {
		p.logger.Error("failed to mark action running",
			slog.String("action_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.notify.EmitActionStarted(ctx, act)

	execCtx, cancel := context.WithCancel(ctx)
	p.track(act.ID.String(), cancel)

	if execErr := p.executor.Execute(execCtx, act); execErr != nil {
		p.logger.Debug("action finished with error",
			slog.String("action_id", act.ID.String()),
			slog.String("type", string(act.Type)),
			slog.String("error", execErr.Error()),
		)
	}

	p.untrack(act.ID.String())
	cancel()
}

// admit consults the per-cluster throttle. A throttled action goes back
// to the queue with a short delay; its retry budget is untouched.
func (p *Pool) admit(ctx context.Context, act *action.Action) (string, bool) {
	if p.throttle == nil {
		return "", true
	}

	key := p.throttleKey(ctx, act)
	if p.throttle.Acquire(key) {
		return key, true
	}

	act.Owner = id.Nil
	act.RunAt = time.Now().UTC().Add(p.config.PollInterval)
	if err := p.store.UpdateAction(ctx, act); err != nil {
		p.logger.Error("failed to requeue throttled action",
			slog.String("action_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return "", false
}

func (p *Pool) releaseThrottle(key string) {
	if p.throttle != nil && key != "" {
		p.throttle.Release(key)
	}
}

// throttleKey groups actions by the cluster they ultimately touch.
func (p *Pool) throttleKey(ctx context.Context, act *action.Action) string {
	if act.TargetKind == action.KindCluster {
		return act.TargetID.String()
	}
	node, err := p.store.GetNode(ctx, act.TargetID)
	if err != nil || node.ClusterID.IsNil() {
		return act.TargetID.String()
	}
	return node.ClusterID.String()
}

// acquireLock takes the per-target lock, stealing from dead owners for
// cluster deletion. A busy target requeues the action with backoff until
// the retry budget runs out.
func (p *Pool) acquireLock(ctx context.Context, act *action.Action) bool {
	var err error
	if act.Type == action.ClusterDelete {
		err = p.locks.AcquireForced(ctx, act.TargetID, act.ID, p.workerID)
	} else {
		err = p.locks.Acquire(ctx, act.TargetID, act.ID, p.workerID)
	}

	switch {
	case err == nil:
		return true
	case errors.Is(err, senlin.ErrLockBusy):
		p.requeueLockBusy(ctx, act)
		return false
	default:
		p.logger.Error("lock acquisition error",
			slog.String("target_id", act.TargetID.String()),
			slog.String("action_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
		act.Owner = id.Nil
		act.RunAt = time.Now().UTC().Add(p.config.PollInterval)
		if updateErr := p.store.UpdateAction(ctx, act); updateErr != nil {
			p.logger.Error("failed to requeue action",
				slog.String("action_id", act.ID.String()),
				slog.String("error", updateErr.Error()),
			)
		}
		return false
	}
}

// requeueLockBusy returns a lock-busy action to the queue with backoff,
// or fails it once the retry budget is exhausted. RunAt moves, CreatedAt
// does not, so the action keeps its place in the per-target FIFO.
func (p *Pool) requeueLockBusy(ctx context.Context, act *action.Action) {
	act.LockRetries++
	if act.LockRetries > p.config.MaxLockRetries {
		p.terminate(ctx, act, action.StatusFailed, senlin.ErrRetriesExhausted.Error())
		p.notify.EmitActionFailed(ctx, act, senlin.ErrRetriesExhausted)
		return
	}

	delay := p.backoff.Delay(act.LockRetries)
	act.Owner = id.Nil
	act.RunAt = time.Now().UTC().Add(delay)
	if err := p.store.UpdateAction(ctx, act); err != nil {
		p.logger.Error("failed to requeue lock-busy action",
			slog.String("action_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.notify.EmitActionRequeued(ctx, act, act.LockRetries, act.RunAt)
	p.logger.Info("target busy, action requeued",
		slog.String("action_id", act.ID.String()),
		slog.String("target_id", act.TargetID.String()),
		slog.Int("attempt", act.LockRetries),
		slog.Duration("delay", delay),
	)
}

// terminate moves an action to a terminal status and persists it.
func (p *Pool) terminate(ctx context.Context, act *action.Action, status action.Status, reason string) {
	if err := act.SetStatus(status, reason); err != nil {
		p.logger.Error("invalid terminal transition",
			slog.String("action_id", act.ID.String()),
			slog.String("to", string(status)),
		)
		return
	}
	if err := p.store.UpdateAction(ctx, act); err != nil {
		p.logger.Error("failed to persist terminal action",
			slog.String("action_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop refreshes this worker's fleet entry.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.store.HeartbeatWorker(context.Background(), p.workerID); err != nil {
				p.logger.Warn("heartbeat failed",
					slog.String("worker_id", p.workerID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// reaperLoop recovers from crashed workers: their waiting claims go
// back to the queue, their running actions are failed (the body's state
// is unknowable), and their locks are stolen.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.DeadWorkerThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapDead()
		}
	}
}

func (p *Pool) reapDead() {
	ctx := context.Background()

	dead, err := p.store.ReapDeadWorkers(ctx, p.config.DeadWorkerThreshold)
	if err != nil {
		p.logger.Error("dead worker reap error", slog.String("error", err.Error()))
		return
	}

	for _, w := range dead {
		p.logger.Warn("reaping dead worker", slog.String("worker_id", w.ID.String()))

		// Unclaim actions the dead worker never started.
		waiting, err := p.store.ListActions(ctx, action.ListOpts{Owner: w.ID, Status: action.StatusWaiting})
		if err != nil {
			p.logger.Error("listing dead worker claims failed", slog.String("error", err.Error()))
			continue
		}
		for _, act := range waiting {
			act.Owner = id.Nil
			act.RunAt = time.Now().UTC()
			if err := p.store.UpdateAction(ctx, act); err != nil {
				p.logger.Error("failed to unclaim action",
					slog.String("action_id", act.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}

		// Fail actions the dead worker was executing and free their
		// targets.
		running, err := p.store.ListActions(ctx, action.ListOpts{Owner: w.ID, Status: action.StatusRunning})
		if err != nil {
			p.logger.Error("listing dead worker actions failed", slog.String("error", err.Error()))
			continue
		}
		for _, act := range running {
			if _, err := p.locks.Steal(ctx, act.TargetID); err != nil {
				p.logger.Error("failed to steal dead worker's lock",
					slog.String("target_id", act.TargetID.String()),
					slog.String("error", err.Error()),
				)
			}
			p.terminate(ctx, act, action.StatusFailed, "owning worker died mid-execution")
			p.notify.EmitActionFailed(ctx, act, errors.New("owning worker died"))
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.config.PollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(actionID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[actionID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(actionID string) {
	p.activeMu.Lock()
	delete(p.active, actionID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for actionID, cancel := range p.active {
		p.logger.Warn("cancelling in-flight action", slog.String("action_id", actionID))
		cancel()
	}
}
