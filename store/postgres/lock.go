package postgres

import (
	"context"
	"fmt"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
)

// AcquireLock installs a lock for the target. The primary key on
// target_id makes the insert the atomic test-and-set: ON CONFLICT DO
// NOTHING affects zero rows when the target is already locked, and the
// holder is then inspected to decide between idempotent success and
// senlin.ErrLockBusy.
func (s *Store) AcquireLock(ctx context.Context, l *lock.Lock) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO senlin_locks (target_id, action_id, worker_id, acquired_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target_id) DO NOTHING`,
		l.TargetID, l.ActionID, l.WorkerID, l.AcquiredAt,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: acquire lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	holder, err := s.GetLock(ctx, l.TargetID)
	if err != nil {
		return fmt.Errorf("senlin/postgres: inspect lock holder: %w", err)
	}
	if holder.ActionID == l.ActionID {
		// Re-acquire by the owning action is idempotent.
		return nil
	}
	return senlin.ErrLockBusy
}

// ReleaseLock removes the lock only when actionID owns it.
func (s *Store) ReleaseLock(ctx context.Context, targetID id.AnyID, actionID id.ActionID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM senlin_locks WHERE target_id = $1 AND action_id = $2`,
		targetID, actionID,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: release lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing deleted: unheld target or a non-owner release.
	if _, err := s.GetLock(ctx, targetID); err != nil {
		return err
	}
	return senlin.ErrInconsistentRelease
}

// GetLock returns the lock for a target.
func (s *Store) GetLock(ctx context.Context, targetID id.AnyID) (*lock.Lock, error) {
	var l lock.Lock
	err := s.pool.QueryRow(ctx, `
		SELECT target_id, action_id, worker_id, acquired_at
		FROM senlin_locks WHERE target_id = $1`,
		targetID,
	).Scan(&l.TargetID, &l.ActionID, &l.WorkerID, &l.AcquiredAt)
	if err != nil {
		if isNoRows(err) {
			return nil, senlin.ErrLockNotFound
		}
		return nil, fmt.Errorf("senlin/postgres: get lock: %w", err)
	}
	return &l, nil
}

// BreakLock unconditionally removes the lock for a target.
func (s *Store) BreakLock(ctx context.Context, targetID id.AnyID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM senlin_locks WHERE target_id = $1`, targetID,
	); err != nil {
		return fmt.Errorf("senlin/postgres: break lock: %w", err)
	}
	return nil
}
