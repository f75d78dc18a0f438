package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/id"
)

// Emitter receives lock anomaly notifications. notify.Registry satisfies
// this interface; the engine layer plugs them together.
type Emitter interface {
	EmitLockStolen(ctx context.Context, targetID id.AnyID, previous *Lock)
}

// Liveness answers whether a worker is still alive. The fleet store
// satisfies this; the Manager consults it before a forced acquisition
// steals a lock.
type Liveness interface {
	Alive(ctx context.Context, workerID id.WorkerID) (bool, error)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEmitter sets the anomaly emitter.
func WithEmitter(e Emitter) ManagerOption {
	return func(m *Manager) { m.emitter = e }
}

// WithLiveness sets the worker liveness source used by AcquireForced.
func WithLiveness(l Liveness) ManagerOption {
	return func(m *Manager) { m.liveness = l }
}

// Manager grants and releases the per-target execution right. It wraps
// the raw lock store with ownership checking, anomaly handling, and
// stealing.
type Manager struct {
	store    Store
	logger   *slog.Logger
	emitter  Emitter
	liveness Liveness
}

// NewManager creates a lock manager.
func NewManager(store Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: store, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take the lock for targetID on behalf of actionID.
// It returns senlin.ErrLockBusy when another action holds the target.
// Re-acquiring for the same action succeeds idempotently.
func (m *Manager) Acquire(ctx context.Context, targetID id.AnyID, actionID id.ActionID, workerID id.WorkerID) error {
	l := &Lock{
		TargetID:   targetID,
		ActionID:   actionID,
		WorkerID:   workerID,
		AcquiredAt: time.Now().UTC(),
	}
	return m.store.AcquireLock(ctx, l)
}

// AcquireForced is Acquire for operations that must not starve behind a
// crashed owner (cluster deletion). When the target is busy and the
// holding worker is confirmed dead, the stale lock is stolen and
// acquisition retried once. A live holder still wins: the caller gets
// senlin.ErrLockBusy and requeues as usual.
func (m *Manager) AcquireForced(ctx context.Context, targetID id.AnyID, actionID id.ActionID, workerID id.WorkerID) error {
	err := m.Acquire(ctx, targetID, actionID, workerID)
	if !errors.Is(err, senlin.ErrLockBusy) {
		return err
	}

	holder, getErr := m.store.GetLock(ctx, targetID)
	if getErr != nil {
		// Lock vanished between attempts; just retry.
		if errors.Is(getErr, senlin.ErrLockNotFound) {
			return m.Acquire(ctx, targetID, actionID, workerID)
		}
		return err
	}

	if m.liveness == nil {
		return err
	}
	alive, liveErr := m.liveness.Alive(ctx, holder.WorkerID)
	if liveErr != nil || alive {
		return err
	}

	if _, stealErr := m.Steal(ctx, targetID); stealErr != nil {
		return err
	}
	return m.Acquire(ctx, targetID, actionID, workerID)
}

// Release removes the lock for targetID if actionID owns it.
//
// A release by a non-owner should never happen in correct operation. When
// it does, the anomaly is logged, the lock record is force-cleared so the
// table cannot leak a stuck entry, and senlin.ErrInconsistentRelease is
// returned. The lock table itself is never left corrupted.
func (m *Manager) Release(ctx context.Context, targetID id.AnyID, actionID id.ActionID) error {
	err := m.store.ReleaseLock(ctx, targetID, actionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, senlin.ErrLockNotFound):
		// Already released. Harmless, but worth a trace.
		m.logger.Debug("release of unheld lock",
			slog.String("target_id", targetID.String()),
			slog.String("action_id", actionID.String()),
		)
		return nil
	case errors.Is(err, senlin.ErrInconsistentRelease):
		m.logger.Error("lock release attempted by non-owner, force-clearing",
			slog.String("target_id", targetID.String()),
			slog.String("action_id", actionID.String()),
		)
		if breakErr := m.store.BreakLock(ctx, targetID); breakErr != nil {
			m.logger.Error("failed to force-clear lock",
				slog.String("target_id", targetID.String()),
				slog.String("error", breakErr.Error()),
			)
		}
		return err
	default:
		return err
	}
}

// IsLocked returns the current lock holder for a target, or nil when the
// target is unlocked.
func (m *Manager) IsLocked(ctx context.Context, targetID id.AnyID) (*Lock, error) {
	l, err := m.store.GetLock(ctx, targetID)
	if errors.Is(err, senlin.ErrLockNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Steal removes a lock regardless of owner and returns the displaced
// record. This is an administrative override for locks held by dead
// workers; it is never part of normal flow.
func (m *Manager) Steal(ctx context.Context, targetID id.AnyID) (*Lock, error) {
	previous, err := m.store.GetLock(ctx, targetID)
	if errors.Is(err, senlin.ErrLockNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.BreakLock(ctx, targetID); err != nil {
		return nil, err
	}

	m.logger.Warn("lock stolen",
		slog.String("target_id", targetID.String()),
		slog.String("action_id", previous.ActionID.String()),
		slog.String("worker_id", previous.WorkerID.String()),
	)
	if m.emitter != nil {
		m.emitter.EmitLockStolen(ctx, targetID, previous)
	}
	return previous, nil
}
