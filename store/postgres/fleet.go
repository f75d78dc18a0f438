package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/fleet"
	"github.com/qizha/senlin/id"
)

const workerColumns = `id, hostname, workers, state, last_seen, created_at`

// RegisterWorker adds a worker to the registry.
func (s *Store) RegisterWorker(ctx context.Context, w *fleet.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO senlin_workers (id, hostname, workers, state, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.Hostname, w.Workers, string(w.State), w.LastSeen, w.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return senlin.ErrWorkerExists
		}
		return fmt.Errorf("senlin/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM senlin_workers WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("senlin/postgres: deregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker refreshes the last-seen timestamp. A worker already
// marked dead revives: a late heartbeat means the reaper was wrong.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE senlin_workers SET
			last_seen = NOW(),
			state = CASE WHEN state = 'dead' THEN 'active' ELSE state END
		WHERE id = $1`,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrWorkerNotFound
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*fleet.Worker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM senlin_workers WHERE id = $1`, workerID)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, senlin.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("senlin/postgres: get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*fleet.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM senlin_workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("senlin/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var workers []*fleet.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("senlin/postgres: scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("senlin/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}

// ReapDeadWorkers marks stale workers dead and returns the newly dead
// ones, so each crashed worker is reaped by exactly one caller.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*fleet.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := s.pool.Query(ctx, `
		UPDATE senlin_workers
		SET state = 'dead'
		WHERE state <> 'dead' AND last_seen < $1
		RETURNING `+workerColumns,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("senlin/postgres: reap dead workers: %w", err)
	}
	defer rows.Close()

	var dead []*fleet.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("senlin/postgres: scan dead worker row: %w", err)
		}
		dead = append(dead, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("senlin/postgres: iterate dead worker rows: %w", err)
	}
	return dead, nil
}

func scanWorker(row pgx.Row) (*fleet.Worker, error) {
	var (
		w        fleet.Worker
		stateStr string
	)
	err := row.Scan(&w.ID, &w.Hostname, &w.Workers, &stateStr, &w.LastSeen, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.State = fleet.WorkerState(stateStr)
	return &w, nil
}
