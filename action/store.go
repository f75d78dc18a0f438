package action

import (
	"context"

	"github.com/qizha/senlin/id"
)

// ListOpts controls filtering and pagination for action list queries.
type ListOpts struct {
	// Status filters by lifecycle status. Empty means all statuses.
	Status Status
	// TargetID filters by action target. Nil means all targets.
	TargetID id.AnyID
	// ParentID filters for derived actions of a parent. Nil means no
	// parent filter.
	ParentID id.ActionID
	// Owner filters by the claiming worker. Nil means no owner filter.
	Owner id.WorkerID
	// Limit is the maximum number of actions to return. Zero means no limit.
	Limit int
	// Offset is the number of actions to skip.
	Offset int
}

// CountOpts controls filtering for action count queries.
type CountOpts struct {
	// Status filters by lifecycle status. Empty means all statuses.
	Status Status
	// Type filters by action type. Empty means all types.
	Type Type
}

// Store defines the persistence contract for actions.
//
// The pending queue discipline lives here: Claim is the single atomic
// operation multiple workers race on, so implementations must guarantee
// that no two workers observe the same unclaimed action.
type Store interface {
	// CreateAction persists a new action.
	CreateAction(ctx context.Context, a *Action) error

	// ClaimActions atomically assigns up to limit claimable actions to
	// the given worker and returns them. An action is claimable when its
	// status is waiting, its RunAt is due, and no worker owns it. Actions
	// are returned in CreatedAt order (FIFO): RunAt only gates
	// eligibility so that a lock-busy requeue never lets a younger action
	// on the same target overtake an older one.
	ClaimActions(ctx context.Context, workerID id.WorkerID, limit int) ([]*Action, error)

	// GetAction retrieves an action by ID.
	GetAction(ctx context.Context, actionID id.ActionID) (*Action, error)

	// UpdateAction persists changes to an existing action. Updates that
	// move an action out of a terminal status fail with
	// senlin.ErrInvalidState.
	UpdateAction(ctx context.Context, a *Action) error

	// DeleteAction removes an action by ID.
	DeleteAction(ctx context.Context, actionID id.ActionID) error

	// ListActions returns actions matching the given options, ordered by
	// CreatedAt ascending.
	ListActions(ctx context.Context, opts ListOpts) ([]*Action, error)

	// CountActions returns the number of actions matching the options.
	CountActions(ctx context.Context, opts CountOpts) (int64, error)

	// RequestCancel atomically sets the cancel flag on an action. If the
	// action is not yet owned by any worker (init or waiting), it is
	// transitioned straight to cancelled; otherwise only the flag is set
	// and the owning worker observes it at its next checkpoint. The
	// updated snapshot is returned. Requesting cancellation of an action
	// already in a terminal state is a no-op that returns the snapshot.
	RequestCancel(ctx context.Context, actionID id.ActionID) (*Action, error)
}
