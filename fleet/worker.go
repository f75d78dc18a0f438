package fleet

import (
	"time"

	"github.com/qizha/senlin/id"
)

// WorkerState represents the lifecycle state of a worker process.
type WorkerState string

const (
	// WorkerActive means the worker is healthy and processing actions.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the worker is finishing in-flight actions
	// but not claiming new ones (graceful shutdown).
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the worker stopped heartbeating and its claimed
	// actions should be requeued.
	WorkerDead WorkerState = "dead"
)

// Worker represents one dispatcher process in the fleet.
type Worker struct {
	ID        id.WorkerID `json:"id"`
	Hostname  string      `json:"hostname"`
	Workers   int         `json:"workers"` // pool concurrency
	State     WorkerState `json:"state"`
	LastSeen  time.Time   `json:"last_seen"`
	CreatedAt time.Time   `json:"created_at"`
}
