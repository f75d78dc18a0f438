package senlin

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("senlin: no store configured")
	ErrStoreClosed     = errors.New("senlin: store closed")
	ErrMigrationFailed = errors.New("senlin: migration failed")

	// Not found errors.
	ErrActionNotFound  = errors.New("senlin: action not found")
	ErrClusterNotFound = errors.New("senlin: cluster not found")
	ErrNodeNotFound    = errors.New("senlin: node not found")
	ErrLockNotFound    = errors.New("senlin: lock not found")
	ErrBindingNotFound = errors.New("senlin: policy binding not found")
	ErrWorkerNotFound  = errors.New("senlin: worker not found")

	// Conflict errors.
	ErrActionExists   = errors.New("senlin: action already exists")
	ErrClusterExists  = errors.New("senlin: cluster already exists")
	ErrNodeExists     = errors.New("senlin: node already exists")
	ErrDuplicateBind  = errors.New("senlin: policy already bound to cluster")
	ErrWorkerExists   = errors.New("senlin: worker already registered")

	// Lock errors. ErrLockBusy is retryable; the dispatcher requeues the
	// action with backoff and only surfaces it after retries are exhausted.
	ErrLockBusy            = errors.New("senlin: target lock held by another action")
	ErrInconsistentRelease = errors.New("senlin: lock release attempted by non-owner")
	ErrRetriesExhausted    = errors.New("senlin: lock retries exhausted, target busy")

	// State errors.
	ErrInvalidState = errors.New("senlin: invalid action state transition")

	// Cancellation. Not a failure: a distinct terminal outcome observed
	// cooperatively by the action body.
	ErrCancelled = errors.New("senlin: action cancelled")

	// Policy errors.
	ErrInvalidPolicyConfig = errors.New("senlin: invalid policy configuration")
	ErrUnknownPolicyType   = errors.New("senlin: unknown policy type")
)

// PolicyRejectedError reports a CRITICAL policy result that vetoed an
// action. It records the rejecting policy so callers can observe which
// binding stopped the action.
type PolicyRejectedError struct {
	Policy string // policy name as bound to the cluster
	Type   string // registered policy type
	Reason string
}

func (e *PolicyRejectedError) Error() string {
	return fmt.Sprintf("senlin: action rejected by policy %s (%s): %s", e.Policy, e.Type, e.Reason)
}

// DriverError wraps a failure from the execution body. The driver-supplied
// detail is preserved for the caller to observe via the action record.
type DriverError struct {
	Action string // action type being executed
	Err    error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("senlin: driver failed executing %s: %v", e.Action, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }
