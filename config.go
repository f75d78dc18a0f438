package senlin

import "time"

// Config holds configuration for the Dispatcher.
type Config struct {
	// Workers is the number of concurrent action processors.
	Workers int

	// PollInterval is how often idle workers poll for claimable actions.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// MaxLockRetries is how many times a worker requeues an action whose
	// target lock is held before failing it with ErrRetriesExhausted.
	MaxLockRetries int

	// HeartbeatInterval is how often this process refreshes its entry in
	// the worker registry.
	HeartbeatInterval time.Duration

	// DeadWorkerThreshold is how long a worker may go without a heartbeat
	// before its claimed actions are requeued and its locks stolen.
	DeadWorkerThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             10,
		PollInterval:        1 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		MaxLockRetries:      10,
		HeartbeatInterval:   10 * time.Second,
		DeadWorkerThreshold: 30 * time.Second,
	}
}
