package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/policy"
)

const bindingColumns = `
	id, cluster_id, name, type, level, priority, enabled,
	cooldown, last_evaluated_at, spec, created_at, updated_at`

// AttachPolicy persists a binding. The (cluster_id, name) unique
// constraint backs the one-name-per-cluster rule.
func (s *Store) AttachPolicy(ctx context.Context, b *policy.Binding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO senlin_policy_bindings (
			id, cluster_id, name, type, level, priority, enabled,
			cooldown, last_evaluated_at, spec, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.ClusterID, b.Name, b.Type, string(b.Level), b.Priority, b.Enabled,
		b.Cooldown.Nanoseconds(), b.LastEvaluatedAt, b.Spec, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return senlin.ErrDuplicateBind
		}
		return fmt.Errorf("senlin/postgres: attach policy: %w", err)
	}
	return nil
}

// DetachPolicy removes a binding.
func (s *Store) DetachPolicy(ctx context.Context, bindingID id.PolicyID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM senlin_policy_bindings WHERE id = $1`, bindingID)
	if err != nil {
		return fmt.Errorf("senlin/postgres: detach policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrBindingNotFound
	}
	return nil
}

// GetBinding retrieves a binding by ID.
func (s *Store) GetBinding(ctx context.Context, bindingID id.PolicyID) (*policy.Binding, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM senlin_policy_bindings WHERE id = $1`, bindingID)

	b, err := scanBinding(row)
	if err != nil {
		if isNoRows(err) {
			return nil, senlin.ErrBindingNotFound
		}
		return nil, fmt.Errorf("senlin/postgres: get binding: %w", err)
	}
	return b, nil
}

// ListBindings returns a cluster's bindings in evaluation order.
func (s *Store) ListBindings(ctx context.Context, clusterID id.ClusterID) ([]*policy.Binding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bindingColumns+`
		FROM senlin_policy_bindings
		WHERE cluster_id = $1
		ORDER BY priority ASC, created_at ASC`,
		clusterID,
	)
	if err != nil {
		return nil, fmt.Errorf("senlin/postgres: list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*policy.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("senlin/postgres: scan binding row: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("senlin/postgres: iterate binding rows: %w", err)
	}
	return bindings, nil
}

// UpdateBinding persists changes to a binding.
func (s *Store) UpdateBinding(ctx context.Context, b *policy.Binding) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE senlin_policy_bindings SET
			name = $2, type = $3, level = $4, priority = $5, enabled = $6,
			cooldown = $7, last_evaluated_at = $8, spec = $9, updated_at = NOW()
		WHERE id = $1`,
		b.ID, b.Name, b.Type, string(b.Level), b.Priority, b.Enabled,
		b.Cooldown.Nanoseconds(), b.LastEvaluatedAt, b.Spec,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: update binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrBindingNotFound
	}
	return nil
}

func scanBinding(row pgx.Row) (*policy.Binding, error) {
	var (
		b          policy.Binding
		levelStr   string
		cooldownNs int64
	)
	err := row.Scan(
		&b.ID, &b.ClusterID, &b.Name, &b.Type, &levelStr, &b.Priority, &b.Enabled,
		&cooldownNs, &b.LastEvaluatedAt, &b.Spec, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Level = policy.Enforcement(levelStr)
	b.Cooldown = time.Duration(cooldownNs)
	return &b, nil
}
