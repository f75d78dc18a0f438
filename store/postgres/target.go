package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/target"
)

const clusterColumns = `
	id, name, profile_id, desired_capacity, min_size, max_size,
	status, status_reason, next_index, created_at, updated_at`

const nodeColumns = `
	id, name, cluster_id, profile_id, status, status_reason,
	node_index, profile_version, created_at, updated_at`

// CreateCluster persists a new cluster.
func (s *Store) CreateCluster(ctx context.Context, c *target.Cluster) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO senlin_clusters (
			id, name, profile_id, desired_capacity, min_size, max_size,
			status, status_reason, next_index, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Name, c.ProfileID, c.DesiredCapacity, c.MinSize, c.MaxSize,
		string(c.Status), c.StatusReason, c.NextIndex, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return senlin.ErrClusterExists
		}
		return fmt.Errorf("senlin/postgres: create cluster: %w", err)
	}
	return nil
}

// GetCluster retrieves a cluster by ID.
func (s *Store) GetCluster(ctx context.Context, clusterID id.ClusterID) (*target.Cluster, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM senlin_clusters WHERE id = $1`, clusterID)

	c, err := scanCluster(row)
	if err != nil {
		if isNoRows(err) {
			return nil, senlin.ErrClusterNotFound
		}
		return nil, fmt.Errorf("senlin/postgres: get cluster: %w", err)
	}
	return c, nil
}

// DeleteCluster removes a cluster record. The guard subquery keeps a
// cluster with members alive; callers must detach or delete nodes
// first.
func (s *Store) DeleteCluster(ctx context.Context, clusterID id.ClusterID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM senlin_clusters
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM senlin_nodes WHERE cluster_id = $1
		  )`,
		clusterID,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: delete cluster: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.GetCluster(ctx, clusterID); err != nil {
		return err
	}
	return senlin.ErrInvalidState
}

// SetClusterStatus updates a cluster's status and reason.
func (s *Store) SetClusterStatus(ctx context.Context, clusterID id.ClusterID, status target.ClusterStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE senlin_clusters
		SET status = $2, status_reason = $3, updated_at = NOW()
		WHERE id = $1`,
		clusterID, string(status), reason,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: set cluster status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrClusterNotFound
	}
	return nil
}

// UpdateClusterCapacity applies the delta as a single atomic UPDATE so
// concurrent completions never lose increments. GREATEST floors the
// result at zero.
func (s *Store) UpdateClusterCapacity(ctx context.Context, clusterID id.ClusterID, delta int) (int, error) {
	var capacity int
	err := s.pool.QueryRow(ctx, `
		UPDATE senlin_clusters
		SET desired_capacity = GREATEST(0, desired_capacity + $2), updated_at = NOW()
		WHERE id = $1
		RETURNING desired_capacity`,
		clusterID, delta,
	).Scan(&capacity)
	if err != nil {
		if isNoRows(err) {
			return 0, senlin.ErrClusterNotFound
		}
		return 0, fmt.Errorf("senlin/postgres: update cluster capacity: %w", err)
	}
	return capacity, nil
}

// NextNodeIndex atomically increments and returns the node ordinal.
func (s *Store) NextNodeIndex(ctx context.Context, clusterID id.ClusterID) (int, error) {
	var idx int
	err := s.pool.QueryRow(ctx, `
		UPDATE senlin_clusters
		SET next_index = next_index + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING next_index`,
		clusterID,
	).Scan(&idx)
	if err != nil {
		if isNoRows(err) {
			return 0, senlin.ErrClusterNotFound
		}
		return 0, fmt.Errorf("senlin/postgres: next node index: %w", err)
	}
	return idx, nil
}

// CreateNode persists a new node.
func (s *Store) CreateNode(ctx context.Context, n *target.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO senlin_nodes (
			id, name, cluster_id, profile_id, status, status_reason,
			node_index, profile_version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.Name, n.ClusterID, n.ProfileID, string(n.Status), n.StatusReason,
		n.Index, n.ProfileVersion, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return senlin.ErrNodeExists
		}
		return fmt.Errorf("senlin/postgres: create node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *Store) GetNode(ctx context.Context, nodeID id.NodeID) (*target.Node, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM senlin_nodes WHERE id = $1`, nodeID)

	n, err := scanNode(row)
	if err != nil {
		if isNoRows(err) {
			return nil, senlin.ErrNodeNotFound
		}
		return nil, fmt.Errorf("senlin/postgres: get node: %w", err)
	}
	return n, nil
}

// DeleteNode removes a node record.
func (s *Store) DeleteNode(ctx context.Context, nodeID id.NodeID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM senlin_nodes WHERE id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("senlin/postgres: delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrNodeNotFound
	}
	return nil
}

// ListNodes returns a cluster's member nodes ordered by index.
func (s *Store) ListNodes(ctx context.Context, clusterID id.ClusterID) ([]*target.Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM senlin_nodes WHERE cluster_id = $1 ORDER BY node_index ASC`,
		clusterID,
	)
	if err != nil {
		return nil, fmt.Errorf("senlin/postgres: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*target.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("senlin/postgres: scan node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("senlin/postgres: iterate node rows: %w", err)
	}
	return nodes, nil
}

// SetNodeStatus updates a node's status and reason.
func (s *Store) SetNodeStatus(ctx context.Context, nodeID id.NodeID, status target.NodeStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE senlin_nodes
		SET status = $2, status_reason = $3, updated_at = NOW()
		WHERE id = $1`,
		nodeID, string(status), reason,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: set node status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrNodeNotFound
	}
	return nil
}

// SetNodeCluster moves a node into a cluster; the nil ID detaches it
// (cluster_id stored as NULL).
func (s *Store) SetNodeCluster(ctx context.Context, nodeID id.NodeID, clusterID id.ClusterID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE senlin_nodes
		SET cluster_id = $2, updated_at = NOW()
		WHERE id = $1`,
		nodeID, clusterID,
	)
	if err != nil {
		return fmt.Errorf("senlin/postgres: set node cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return senlin.ErrNodeNotFound
	}
	return nil
}

func scanCluster(row pgx.Row) (*target.Cluster, error) {
	var (
		c         target.Cluster
		statusStr string
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.ProfileID, &c.DesiredCapacity, &c.MinSize, &c.MaxSize,
		&statusStr, &c.StatusReason, &c.NextIndex, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = target.ClusterStatus(statusStr)
	return &c, nil
}

func scanNode(row pgx.Row) (*target.Node, error) {
	var (
		n         target.Node
		statusStr string
	)
	err := row.Scan(
		&n.ID, &n.Name, &n.ClusterID, &n.ProfileID, &statusStr, &n.StatusReason,
		&n.Index, &n.ProfileVersion, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Status = target.NodeStatus(statusStr)
	return &n, nil
}
