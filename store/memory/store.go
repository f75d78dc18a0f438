// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/fleet"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/target"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ action.Store    = (*Store)(nil)
	_ lock.Store      = (*Store)(nil)
	_ target.Registry = (*Store)(nil)
	_ policy.Store    = (*Store)(nil)
	_ fleet.Store     = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	actions  map[string]*action.Action
	locks    map[string]*lock.Lock // key: target ID
	clusters map[string]*target.Cluster
	nodes    map[string]*target.Node
	bindings map[string]*policy.Binding
	workers  map[string]*fleet.Worker
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		actions:  make(map[string]*action.Action),
		locks:    make(map[string]*lock.Lock),
		clusters: make(map[string]*target.Cluster),
		nodes:    make(map[string]*target.Node),
		bindings: make(map[string]*policy.Binding),
		workers:  make(map[string]*fleet.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Action Store
// ──────────────────────────────────────────────────

// CreateAction persists a new action.
func (m *Store) CreateAction(_ context.Context, a *action.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.ID.String()
	if _, exists := m.actions[key]; exists {
		return senlin.ErrActionExists
	}
	cp := *a
	m.actions[key] = &cp
	return nil
}

// ClaimActions atomically assigns up to limit claimable actions to the
// worker. Claim order is CreatedAt ascending; RunAt only gates
// eligibility so requeued actions keep their queue position.
func (m *Store) ClaimActions(_ context.Context, workerID id.WorkerID, limit int) ([]*action.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*action.Action, 0, len(m.actions))
	for _, a := range m.actions {
		if a.Status != action.StatusWaiting {
			continue
		}
		if !a.Owner.IsNil() {
			continue
		}
		if !a.RunAt.IsZero() && a.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, a)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*action.Action, 0, len(candidates))
	for _, a := range candidates {
		a.Owner = workerID
		a.Touch()
		cp := *a
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// GetAction retrieves an action by ID.
func (m *Store) GetAction(_ context.Context, actionID id.ActionID) (*action.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actions[actionID.String()]
	if !ok {
		return nil, senlin.ErrActionNotFound
	}
	cp := *a
	return &cp, nil
}

// UpdateAction persists changes to an existing action. Terminal states
// are final: moving out of one fails with senlin.ErrInvalidState.
func (m *Store) UpdateAction(_ context.Context, a *action.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.ID.String()
	existing, ok := m.actions[key]
	if !ok {
		return senlin.ErrActionNotFound
	}
	if existing.Status.Terminal() && a.Status != existing.Status {
		return senlin.ErrInvalidState
	}
	cp := *a
	cp.Touch()
	m.actions[key] = &cp
	return nil
}

// DeleteAction removes an action by ID.
func (m *Store) DeleteAction(_ context.Context, actionID id.ActionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := actionID.String()
	if _, ok := m.actions[key]; !ok {
		return senlin.ErrActionNotFound
	}
	delete(m.actions, key)
	return nil
}

// ListActions returns actions matching opts, ordered by CreatedAt
// ascending.
func (m *Store) ListActions(_ context.Context, opts action.ListOpts) ([]*action.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*action.Action, 0, len(m.actions))
	for _, a := range m.actions {
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		if !opts.TargetID.IsNil() && a.TargetID != opts.TargetID {
			continue
		}
		if !opts.ParentID.IsNil() && a.ParentID != opts.ParentID {
			continue
		}
		if !opts.Owner.IsNil() && a.Owner != opts.Owner {
			continue
		}
		cp := *a
		matched = append(matched, &cp)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// CountActions returns the number of actions matching opts.
func (m *Store) CountActions(_ context.Context, opts action.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, a := range m.actions {
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		if opts.Type != "" && a.Type != opts.Type {
			continue
		}
		n++
	}
	return n, nil
}

// RequestCancel atomically sets the cancel flag. Unowned actions go
// straight to cancelled; owned actions keep running until their worker
// observes the flag at a checkpoint.
func (m *Store) RequestCancel(_ context.Context, actionID id.ActionID) (*action.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[actionID.String()]
	if !ok {
		return nil, senlin.ErrActionNotFound
	}

	if a.Status.Terminal() {
		cp := *a
		return &cp, nil
	}

	a.CancelRequested = true
	if a.Owner.IsNil() && (a.Status == action.StatusInit || a.Status == action.StatusWaiting) {
		if err := a.SetStatus(action.StatusCancelled, "cancelled before execution"); err != nil {
			return nil, err
		}
	}
	a.Touch()
	cp := *a
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Lock Store
// ──────────────────────────────────────────────────

// AcquireLock atomically installs l for its target. The whole check-and-
// set runs under the store mutex, so no two callers can both observe the
// target as unlocked.
func (m *Store) AcquireLock(_ context.Context, l *lock.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := l.TargetID.String()
	if held, ok := m.locks[key]; ok {
		if held.ActionID == l.ActionID {
			return nil // idempotent re-acquire
		}
		return senlin.ErrLockBusy
	}
	cp := *l
	m.locks[key] = &cp
	return nil
}

// ReleaseLock removes the lock only if actionID owns it.
func (m *Store) ReleaseLock(_ context.Context, targetID id.AnyID, actionID id.ActionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := targetID.String()
	held, ok := m.locks[key]
	if !ok {
		return senlin.ErrLockNotFound
	}
	if held.ActionID != actionID {
		return senlin.ErrInconsistentRelease
	}
	delete(m.locks, key)
	return nil
}

// GetLock returns the lock for a target.
func (m *Store) GetLock(_ context.Context, targetID id.AnyID) (*lock.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	held, ok := m.locks[targetID.String()]
	if !ok {
		return nil, senlin.ErrLockNotFound
	}
	cp := *held
	return &cp, nil
}

// BreakLock unconditionally removes the lock for a target.
func (m *Store) BreakLock(_ context.Context, targetID id.AnyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, targetID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Target Registry
// ──────────────────────────────────────────────────

// CreateCluster persists a new cluster.
func (m *Store) CreateCluster(_ context.Context, c *target.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := c.ID.String()
	if _, exists := m.clusters[key]; exists {
		return senlin.ErrClusterExists
	}
	cp := *c
	m.clusters[key] = &cp
	return nil
}

// GetCluster retrieves a cluster by ID.
func (m *Store) GetCluster(_ context.Context, clusterID id.ClusterID) (*target.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clusters[clusterID.String()]
	if !ok {
		return nil, senlin.ErrClusterNotFound
	}
	cp := *c
	return &cp, nil
}

// DeleteCluster removes a cluster record. Clusters with member nodes
// cannot be deleted.
func (m *Store) DeleteCluster(_ context.Context, clusterID id.ClusterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := clusterID.String()
	if _, ok := m.clusters[key]; !ok {
		return senlin.ErrClusterNotFound
	}
	for _, n := range m.nodes {
		if n.ClusterID == clusterID && n.Status != target.NodeDeleted {
			return senlin.ErrInvalidState
		}
	}
	delete(m.clusters, key)
	return nil
}

// SetClusterStatus updates a cluster's status and reason.
func (m *Store) SetClusterStatus(_ context.Context, clusterID id.ClusterID, status target.ClusterStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clusters[clusterID.String()]
	if !ok {
		return senlin.ErrClusterNotFound
	}
	c.Status = status
	c.StatusReason = reason
	c.Touch()
	return nil
}

// UpdateClusterCapacity atomically adds delta to the desired capacity,
// floored at zero, and returns the new value.
func (m *Store) UpdateClusterCapacity(_ context.Context, clusterID id.ClusterID, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clusters[clusterID.String()]
	if !ok {
		return 0, senlin.ErrClusterNotFound
	}
	c.DesiredCapacity += delta
	if c.DesiredCapacity < 0 {
		c.DesiredCapacity = 0
	}
	c.Touch()
	return c.DesiredCapacity, nil
}

// NextNodeIndex atomically increments and returns the cluster's node
// ordinal counter. The first call for a cluster returns 1.
func (m *Store) NextNodeIndex(_ context.Context, clusterID id.ClusterID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clusters[clusterID.String()]
	if !ok {
		return 0, senlin.ErrClusterNotFound
	}
	c.NextIndex++
	c.Touch()
	return c.NextIndex, nil
}

// CreateNode persists a new node.
func (m *Store) CreateNode(_ context.Context, n *target.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := n.ID.String()
	if _, exists := m.nodes[key]; exists {
		return senlin.ErrNodeExists
	}
	cp := *n
	m.nodes[key] = &cp
	return nil
}

// GetNode retrieves a node by ID.
func (m *Store) GetNode(_ context.Context, nodeID id.NodeID) (*target.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return nil, senlin.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

// DeleteNode removes a node record.
func (m *Store) DeleteNode(_ context.Context, nodeID id.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nodeID.String()
	if _, ok := m.nodes[key]; !ok {
		return senlin.ErrNodeNotFound
	}
	delete(m.nodes, key)
	return nil
}

// ListNodes returns the member nodes of a cluster ordered by Index
// ascending.
func (m *Store) ListNodes(_ context.Context, clusterID id.ClusterID) ([]*target.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]*target.Node, 0)
	for _, n := range m.nodes {
		if n.ClusterID != clusterID {
			continue
		}
		cp := *n
		members = append(members, &cp)
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Index < members[j].Index
	})
	return members, nil
}

// SetNodeStatus updates a node's status and reason.
func (m *Store) SetNodeStatus(_ context.Context, nodeID id.NodeID, status target.NodeStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return senlin.ErrNodeNotFound
	}
	n.Status = status
	n.StatusReason = reason
	n.Touch()
	return nil
}

// SetNodeCluster moves a node into a cluster, or detaches it when
// clusterID is the nil ID.
func (m *Store) SetNodeCluster(_ context.Context, nodeID id.NodeID, clusterID id.ClusterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return senlin.ErrNodeNotFound
	}
	if !clusterID.IsNil() {
		if _, ok := m.clusters[clusterID.String()]; !ok {
			return senlin.ErrClusterNotFound
		}
	}
	n.ClusterID = clusterID
	n.Touch()
	return nil
}

// ──────────────────────────────────────────────────
// Policy Store
// ──────────────────────────────────────────────────

// AttachPolicy persists a binding. Binding names are unique per cluster.
func (m *Store) AttachPolicy(_ context.Context, b *policy.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.ID.String()
	if _, exists := m.bindings[key]; exists {
		return senlin.ErrDuplicateBind
	}
	for _, existing := range m.bindings {
		if existing.ClusterID == b.ClusterID && existing.Name == b.Name {
			return senlin.ErrDuplicateBind
		}
	}
	cp := *b
	m.bindings[key] = &cp
	return nil
}

// DetachPolicy removes a binding.
func (m *Store) DetachPolicy(_ context.Context, bindingID id.PolicyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingID.String()
	if _, ok := m.bindings[key]; !ok {
		return senlin.ErrBindingNotFound
	}
	delete(m.bindings, key)
	return nil
}

// GetBinding retrieves a binding by ID.
func (m *Store) GetBinding(_ context.Context, bindingID id.PolicyID) (*policy.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[bindingID.String()]
	if !ok {
		return nil, senlin.ErrBindingNotFound
	}
	cp := *b
	return &cp, nil
}

// ListBindings returns the bindings for a cluster ordered by Priority
// ascending, then CreatedAt ascending.
func (m *Store) ListBindings(_ context.Context, clusterID id.ClusterID) ([]*policy.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*policy.Binding, 0)
	for _, b := range m.bindings {
		if b.ClusterID != clusterID {
			continue
		}
		cp := *b
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

// UpdateBinding persists changes to a binding.
func (m *Store) UpdateBinding(_ context.Context, b *policy.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.ID.String()
	if _, ok := m.bindings[key]; !ok {
		return senlin.ErrBindingNotFound
	}
	cp := *b
	cp.Touch()
	m.bindings[key] = &cp
	return nil
}

// ──────────────────────────────────────────────────
// Fleet Store
// ──────────────────────────────────────────────────

// RegisterWorker adds a worker to the registry.
func (m *Store) RegisterWorker(_ context.Context, w *fleet.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := w.ID.String()
	if _, exists := m.workers[key]; exists {
		return senlin.ErrWorkerExists
	}
	cp := *w
	m.workers[key] = &cp
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return senlin.ErrWorkerNotFound
	}
	delete(m.workers, key)
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return senlin.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	if w.State == fleet.WorkerDead {
		w.State = fleet.WorkerActive
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (m *Store) GetWorker(_ context.Context, workerID id.WorkerID) (*fleet.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return nil, senlin.ErrWorkerNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*fleet.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*fleet.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReapDeadWorkers marks workers whose last heartbeat is older than
// threshold as dead and returns them.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*fleet.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	reaped := make([]*fleet.Worker, 0)
	for _, w := range m.workers {
		if w.State == fleet.WorkerDead {
			continue
		}
		if w.LastSeen.After(cutoff) {
			continue
		}
		w.State = fleet.WorkerDead
		cp := *w
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}
