package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/id"
)

const actionColumns = `
	id, name, type, target_id, target_kind, cause, parent_id, owner,
	status, reason, inputs, outputs, run_at, started_at, ended_at,
	timeout, cancel_requested, lock_retries, created_at, updated_at`

// CreateAction persists a new action.
func (s *Store) CreateAction(ctx context.Context, a *action.Action) error {
	inputs, outputs, err := marshalBags(a)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO senlin_actions (
			id, name, type, target_id, target_kind, cause, parent_id, owner,
			status, reason, inputs, outputs, run_at, started_at, ended_at,
			timeout, cancel_requested, lock_retries, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		a.ID, a.Name, string(a.Type), a.TargetID, string(a.TargetKind),
		string(a.Cause), a.ParentID, a.Owner,
		string(a.Status), a.Reason, inputs, outputs,
		a.RunAt, a.StartedAt, a.EndedAt,
		a.Timeout.Nanoseconds(), a.CancelRequested, a.LockRetries,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return senlin.ErrActionExists
		}
		return fmt.Errorf("senlin/postgres: create action: %w", err)
	}
	return nil
}

// ClaimActions atomically assigns up to limit due waiting actions to
// the worker. SKIP LOCKED keeps concurrent claimers from observing the
// same unclaimed rows; ownership is the claim, status stays waiting.
func (s *Store) ClaimActions(ctx context.Context, workerID id.WorkerID, limit int) ([]*action.Action, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE senlin_actions
			SET owner = $1, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM senlin_actions
				WHERE status = 'waiting'
				  AND owner IS NULL
				  AND run_at <= NOW()
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+actionColumns+`
		)
		SELECT `+actionColumns+` FROM claimed ORDER BY created_at ASC`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("senlin/postgres: claim actions: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

// GetAction retrieves an action by ID.
func (s *Store) GetAction(ctx context.Context, actionID id.ActionID) (*action.Action, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM senlin_actions WHERE id = $1`, actionID)

	a, err := scanAction(row)
	if err != nil {
		if isNoRows(err) {
			return nil, senlin.ErrActionNotFound
		}
		return nil, fmt.Errorf("senlin/postgres: get action: %w", err)
	}
	return a, nil
}

// UpdateAction persists changes to an existing action. A stored action
// in a terminal status is immutable; attempting to move it fails with
// senlin.ErrInvalidState.
func (s *Store) UpdateAction(ctx context.Context, a *action.Action) error {
	inputs, outputs, err := marshalBags(a)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE senlin_actions SET
			name = $2, type = $3, target_id = $4, target_kind = $5,
			cause = $6, parent_id = $7, owner = $8, status = $9,
			reason = $10, inputs = $11, outputs = $12, run_at = $13,
			started_at = $14, ended_at = $15, timeout = $16,
			cancel_requested = $17, lock_retries = $18, updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		a.ID, a.Name, string(a.Type), a.TargetID, string(a.TargetKind),
		string(a.Cause), a.ParentID, a.Owner, string(a.Status),
		a.Reason, inputs, outputs, a.RunAt,
		a.StartedAt, a.EndedAt, a.Timeout.Nanoseconds(),
		a.CancelRequested, a.LockRetries,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: update action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing action from an immutable one.
		if _, getErr := s.GetAction(ctx, a.ID); getErr != nil {
			return getErr
		}
		return senlin.ErrInvalidState
	}
	return nil
}

// DeleteAction removes an action by ID.
func (s *Store) DeleteAction(ctx context.Context, actionID id.ActionID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM senlin_actions WHERE id = $1`, actionID)
	if err != nil {
		return fmt.Errorf("senlin/postgres: delete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrActionNotFound
	}
	return nil
}

// ListActions returns actions matching opts ordered by CreatedAt.
func (s *Store) ListActions(ctx context.Context, opts action.ListOpts) ([]*action.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM senlin_actions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if !opts.TargetID.IsNil() {
		query += fmt.Sprintf(" AND target_id = $%d", argIdx)
		args = append(args, opts.TargetID)
		argIdx++
	}
	if !opts.ParentID.IsNil() {
		query += fmt.Sprintf(" AND parent_id = $%d", argIdx)
		args = append(args, opts.ParentID)
		argIdx++
	}
	if !opts.Owner.IsNil() {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, opts.Owner)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("senlin/postgres: list actions: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

// CountActions returns the number of actions matching opts.
func (s *Store) CountActions(ctx context.Context, opts action.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM senlin_actions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, string(opts.Type))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("senlin/postgres: count actions: %w", err)
	}
	return count, nil
}

// RequestCancel sets the cancel flag; an action no worker owns yet goes
// straight to cancelled in the same statement. Terminal actions are
// left untouched and their snapshot returned.
func (s *Store) RequestCancel(ctx context.Context, actionID id.ActionID) (*action.Action, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE senlin_actions SET
			cancel_requested = TRUE,
			status = CASE
				WHEN owner IS NULL AND status IN ('init', 'waiting') THEN 'cancelled'
				ELSE status
			END,
			reason = CASE
				WHEN owner IS NULL AND status IN ('init', 'waiting') THEN 'cancelled before execution'
				ELSE reason
			END,
			ended_at = CASE
				WHEN owner IS NULL AND status IN ('init', 'waiting') THEN NOW()
				ELSE ended_at
			END,
			updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('succeeded', 'failed', 'cancelled')
		RETURNING `+actionColumns,
		actionID,
	)

	a, err := scanAction(row)
	if err == nil {
		return a, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("senlin/postgres: request cancel: %w", err)
	}

	// Already terminal (no-op) or genuinely missing.
	return s.GetAction(ctx, actionID)
}

// marshalBags encodes the inputs/outputs maps for JSONB columns.
func marshalBags(a *action.Action) ([]byte, []byte, error) {
	inputs, err := json.Marshal(a.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("senlin/postgres: marshal inputs: %w", err)
	}
	outputs, err := json.Marshal(a.Outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("senlin/postgres: marshal outputs: %w", err)
	}
	return inputs, outputs, nil
}

// scanAction scans a single action row.
func scanAction(row pgx.Row) (*action.Action, error) {
	var (
		a         action.Action
		typeStr   string
		kindStr   string
		causeStr  string
		statusStr string
		inputs    []byte
		outputs   []byte
		timeoutNs int64
	)
	err := row.Scan(
		&a.ID, &a.Name, &typeStr, &a.TargetID, &kindStr, &causeStr,
		&a.ParentID, &a.Owner, &statusStr, &a.Reason, &inputs, &outputs,
		&a.RunAt, &a.StartedAt, &a.EndedAt,
		&timeoutNs, &a.CancelRequested, &a.LockRetries,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Type = action.Type(typeStr)
	a.TargetKind = action.TargetKind(kindStr)
	a.Cause = action.Cause(causeStr)
	a.Status = action.Status(statusStr)
	a.Timeout = time.Duration(timeoutNs)

	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &a.Inputs); err != nil {
			return nil, fmt.Errorf("senlin/postgres: unmarshal inputs: %w", err)
		}
	}
	if a.Inputs == nil {
		a.Inputs = action.Inputs{}
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &a.Outputs); err != nil {
			return nil, fmt.Errorf("senlin/postgres: unmarshal outputs: %w", err)
		}
	}
	if a.Outputs == nil {
		a.Outputs = action.Outputs{}
	}

	return &a, nil
}

// collectActions collects all actions from query rows.
func collectActions(rows pgx.Rows) ([]*action.Action, error) {
	var actions []*action.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("senlin/postgres: scan action row: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("senlin/postgres: iterate action rows: %w", err)
	}
	return actions, nil
}
