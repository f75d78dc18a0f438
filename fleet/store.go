package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/id"
)

// Store defines the persistence contract for worker registration.
type Store interface {
	// RegisterWorker adds a worker to the registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker from the registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker updates the last-seen timestamp for a worker.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// GetWorker retrieves a worker by ID.
	GetWorker(ctx context.Context, workerID id.WorkerID) (*Worker, error)

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// ReapDeadWorkers returns workers whose last-seen timestamp is older
	// than the given threshold, indicating they may have crashed.
	ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*Worker, error)
}

// Alive reports whether a worker has heartbeaten within threshold.
// It satisfies the lock manager's liveness contract when wrapped by
// LivenessChecker.
func Alive(ctx context.Context, s Store, workerID id.WorkerID, threshold time.Duration) (bool, error) {
	w, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return false, err
	}
	return time.Since(w.LastSeen) < threshold, nil
}

// LivenessChecker adapts a Store to the lock manager's Liveness
// interface with a fixed staleness threshold.
type LivenessChecker struct {
	Store     Store
	Threshold time.Duration
}

// Alive reports whether the worker heartbeated within the threshold.
// Unknown workers are reported dead: a deregistered owner is as gone as
// a crashed one.
func (c LivenessChecker) Alive(ctx context.Context, workerID id.WorkerID) (bool, error) {
	alive, err := Alive(ctx, c.Store, workerID, c.Threshold)
	if errors.Is(err, senlin.ErrWorkerNotFound) {
		return false, nil
	}
	return alive, err
}
