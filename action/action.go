package action

import (
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/id"
)

// Type identifies the operation an action performs against its target.
type Type string

// Cluster-targeted action types.
const (
	ClusterScaleOut Type = "CLUSTER_SCALE_OUT"
	ClusterScaleIn  Type = "CLUSTER_SCALE_IN"
	ClusterDelete   Type = "CLUSTER_DELETE"
	ClusterAddNodes Type = "CLUSTER_ADD_NODES"
	ClusterDelNodes Type = "CLUSTER_DEL_NODES"
	ClusterCheck    Type = "CLUSTER_CHECK"
)

// Node-targeted action types.
const (
	NodeCreate Type = "NODE_CREATE"
	NodeDelete Type = "NODE_DELETE"
	NodeLeave  Type = "NODE_LEAVE"
)

// TargetKind tells whether an action operates on a cluster or a node.
type TargetKind string

const (
	KindCluster TargetKind = "cluster"
	KindNode    TargetKind = "node"
)

// Kind returns the target kind implied by the action type.
func (t Type) Kind() TargetKind {
	switch t {
	case NodeCreate, NodeDelete, NodeLeave:
		return KindNode
	default:
		return KindCluster
	}
}

// Mutating reports whether the action changes target state. CLUSTER_CHECK
// is the only read-mostly action; it still takes the target lock so its
// observations are not interleaved with mutations.
func (t Type) Mutating() bool {
	return t != ClusterCheck
}

// Status represents the lifecycle state of an action.
type Status string

const (
	// StatusInit means the action has been created but not yet enqueued.
	StatusInit Status = "init"
	// StatusWaiting means the action is enqueued and claimable by workers.
	StatusWaiting Status = "waiting"
	// StatusRunning means a worker holds the target lock and is executing
	// the action.
	StatusRunning Status = "running"
	// StatusSucceeded means the action completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the action failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled means cooperative cancellation was observed before
	// or during execution.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final and immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions is the action state machine. Terminal states have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusInit:    {StatusWaiting, StatusCancelled},
	StatusWaiting: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// ValidTransition reports whether moving from one status to another is
// allowed by the lifecycle state machine.
func ValidTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cause records why an action exists.
type Cause string

const (
	// CauseUser means the action was submitted by a caller.
	CauseUser Cause = "user"
	// CauseDerived means the action was spawned by another action, e.g.
	// per-node deletes spawned by a scale-in, or a grace-period destroy.
	CauseDerived Cause = "derived"
)

// Action represents one requested operation against a cluster or node.
//
// Per-target mutual exclusion invariant: at most one action with
// StatusRunning holds the lock for a given TargetID at any time. The
// dispatcher enforces this through the lock store; the fields here only
// record the outcome.
type Action struct {
	senlin.Entity

	ID         id.ActionID   `json:"id"`
	Name       string        `json:"name"`
	Type       Type          `json:"type"`
	TargetID   id.AnyID      `json:"target_id"`
	TargetKind TargetKind    `json:"target_kind"`
	Cause      Cause         `json:"cause"`
	ParentID   id.ActionID   `json:"parent_id,omitempty"`
	Owner      id.WorkerID   `json:"owner,omitempty"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Inputs     Inputs        `json:"inputs,omitempty"`
	Outputs    Outputs       `json:"outputs,omitempty"`
	RunAt      time.Time     `json:"run_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	// CancelRequested is the cooperative cancellation flag. The dispatcher
	// and the action body check it at defined checkpoints; it is never
	// acted on preemptively.
	CancelRequested bool `json:"cancel_requested"`

	// LockRetries counts lock-busy requeues so the dispatcher can fail
	// the action once the retry budget is exhausted.
	LockRetries int `json:"lock_retries,omitempty"`
}

// New creates an action in StatusInit for the given type and target.
func New(t Type, targetID id.AnyID) *Action {
	return &Action{
		Entity:     senlin.NewEntity(),
		ID:         id.NewActionID(),
		Type:       t,
		TargetID:   targetID,
		TargetKind: t.Kind(),
		Cause:      CauseUser,
		Status:     StatusInit,
		Inputs:     Inputs{},
		Outputs:    Outputs{},
		RunAt:      time.Now().UTC(),
	}
}

// SetStatus transitions the action to a new status, recording the reason
// and terminal timestamp. It returns senlin.ErrInvalidState when the
// transition is not allowed (in particular, out of a terminal state).
func (a *Action) SetStatus(to Status, reason string) error {
	if !ValidTransition(a.Status, to) {
		return senlin.ErrInvalidState
	}

	a.Status = to
	a.Reason = reason
	a.Touch()

	now := time.Now().UTC()
	switch {
	case to == StatusRunning:
		a.StartedAt = &now
	case to.Terminal():
		a.EndedAt = &now
	}
	return nil
}
