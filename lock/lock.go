package lock

import (
	"context"
	"time"

	"github.com/qizha/senlin/id"
)

// Lock records exclusive execution right over a target.
//
// Invariant: exactly zero or one Lock exists per TargetID at any time.
type Lock struct {
	TargetID   id.AnyID    `json:"target_id"`
	ActionID   id.ActionID `json:"action_id"`
	WorkerID   id.WorkerID `json:"worker_id"`
	AcquiredAt time.Time   `json:"acquired_at"`
}

// Store defines the persistence contract for the lock table.
type Store interface {
	// AcquireLock atomically installs l for its target. It returns
	// senlin.ErrLockBusy when a lock for the target is already held by a
	// different action. Re-acquiring a lock already held by the same
	// action succeeds idempotently (the existing record is kept).
	// Implementations must be safe under concurrent callers: no two
	// callers may both observe the target as unlocked.
	AcquireLock(ctx context.Context, l *Lock) error

	// ReleaseLock removes the lock for a target only if actionID
	// currently owns it. Releasing a lock held by a different action
	// leaves the record intact and returns senlin.ErrInconsistentRelease;
	// releasing a target with no lock returns senlin.ErrLockNotFound.
	ReleaseLock(ctx context.Context, targetID id.AnyID, actionID id.ActionID) error

	// GetLock returns the lock for a target, or senlin.ErrLockNotFound.
	GetLock(ctx context.Context, targetID id.AnyID) (*Lock, error)

	// BreakLock unconditionally removes the lock for a target. Used only
	// by the Manager for forced clears and stealing.
	BreakLock(ctx context.Context, targetID id.AnyID) error
}
