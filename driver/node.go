package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/target"
)

// NodeDriver executes cluster and node actions against the target
// registry. It checks the cancel flag between nodes, so a multi-node
// operation stops at the next node boundary with its partial outputs
// intact.
type NodeDriver struct {
	registry target.Registry
	enqueue  EnqueueFunc
	logger   *slog.Logger
}

// NewNodeDriver creates a driver over the given registry. enqueue is
// used to schedule grace-period destroys; it may be nil, in which case
// grace periods are ignored and destroys happen immediately.
func NewNodeDriver(registry target.Registry, enqueue EnqueueFunc, logger *slog.Logger) *NodeDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeDriver{registry: registry, enqueue: enqueue, logger: logger}
}

// Execute dispatches on the action type.
func (d *NodeDriver) Execute(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error) {
	switch act.Type {
	case action.ClusterScaleOut:
		return d.scaleOut(ctx, act, cancelled)
	case action.ClusterScaleIn, action.ClusterDelNodes:
		return d.removeNodes(ctx, act, cancelled)
	case action.ClusterAddNodes:
		return d.addNodes(ctx, act, cancelled)
	case action.ClusterDelete:
		return d.deleteCluster(ctx, act, cancelled)
	case action.ClusterCheck:
		return d.checkCluster(ctx, act)
	case action.NodeCreate:
		return d.createNode(ctx, act)
	case action.NodeDelete:
		return d.deleteNode(ctx, act, cancelled)
	case action.NodeLeave:
		return d.leaveNode(ctx, act)
	default:
		return nil, fmt.Errorf("driver: unsupported action type %s", act.Type)
	}
}

// stopRequested folds context cancellation into the cooperative flag.
func stopRequested(ctx context.Context, cancelled CancelCheck) bool {
	if ctx.Err() != nil {
		return true
	}
	return cancelled != nil && cancelled()
}

// destroyRequested returns the destroy flag, defaulting to true when
// the input is absent so a cluster without a deletion policy still
// releases node resources.
func destroyRequested(act *action.Action) bool {
	if v, ok := act.Inputs[action.InputDestroy].(bool); ok {
		return v
	}
	return true
}

// ──────────────────────────────────────────────────
// Cluster actions
// ──────────────────────────────────────────────────

func (d *NodeDriver) scaleOut(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error) {
	cluster, err := d.registry.GetCluster(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}

	count := act.Inputs.Count(1)
	out := action.Outputs{}
	for i := 0; i < count; i++ {
		if stopRequested(ctx, cancelled) {
			d.settleCapacity(ctx, act, cluster.ID, len(out.Strings(action.OutputCreatedNodes)))
			return out, senlin.ErrCancelled
		}

		node, err := d.provisionNode(ctx, cluster)
		if err != nil {
			d.settleCapacity(ctx, act, cluster.ID, len(out.Strings(action.OutputCreatedNodes)))
			return out, err
		}
		out.AppendString(action.OutputCreatedNodes, node.ID.String())
	}

	d.settleCapacity(ctx, act, cluster.ID, count)
	return out, nil
}

// provisionNode creates one node record in the cluster, named after the
// cluster's monotonically increasing node ordinal.
func (d *NodeDriver) provisionNode(ctx context.Context, cluster *target.Cluster) (*target.Node, error) {
	idx, err := d.registry.NextNodeIndex(ctx, cluster.ID)
	if err != nil {
		return nil, err
	}

	node := &target.Node{
		Entity:    senlin.NewEntity(),
		ID:        id.NewNodeID(),
		Name:      fmt.Sprintf("%s-node-%03d", cluster.Name, idx),
		ClusterID: cluster.ID,
		ProfileID: cluster.ProfileID,
		Status:    target.NodeActive,
		Index:     idx,
	}
	if err := d.registry.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (d *NodeDriver) removeNodes(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error) {
	cluster, err := d.registry.GetCluster(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}

	victims, err := d.resolveVictims(ctx, act, cluster)
	if err != nil {
		return nil, err
	}

	out := action.Outputs{}
	for _, nodeID := range victims {
		if stopRequested(ctx, cancelled) {
			return out, senlin.ErrCancelled
		}
		if err := d.removeOne(ctx, act, nodeID, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// resolveVictims returns the node IDs to remove: the candidates stamped
// by a deletion policy when present, otherwise the count oldest members.
func (d *NodeDriver) resolveVictims(ctx context.Context, act *action.Action, cluster *target.Cluster) ([]id.NodeID, error) {
	if candidates := act.Inputs.Candidates(); len(candidates) > 0 {
		ids := make([]id.NodeID, 0, len(candidates))
		for _, s := range candidates {
			nodeID, err := id.ParseNodeID(s)
			if err != nil {
				return nil, fmt.Errorf("driver: bad candidate %q: %w", s, err)
			}
			ids = append(ids, nodeID)
		}
		return ids, nil
	}

	nodes, err := d.registry.ListNodes(ctx, cluster.ID)
	if err != nil {
		return nil, err
	}

	count := act.Inputs.Count(1)
	ids := make([]id.NodeID, 0, count)
	for _, n := range nodes {
		if n.Status == target.NodeDeleting || n.Status == target.NodeDeleted {
			continue
		}
		ids = append(ids, n.ID)
		if len(ids) == count {
			break
		}
	}
	return ids, nil
}

// removeOne removes a single node, honoring the destroy flag and the
// grace period. A grace-period destroy is deferred: the node is marked
// DELETING and a derived NODE_DELETE with a future RunAt carries out
// the destroy.
func (d *NodeDriver) removeOne(ctx context.Context, act *action.Action, nodeID id.NodeID, out action.Outputs) error {
	destroy := destroyRequested(act)
	grace := act.Inputs.GracePeriod()

	if destroy && grace > 0 && d.enqueue != nil {
		return d.deferDestroy(ctx, act, nodeID, grace, out)
	}

	if !destroy {
		if err := d.detach(ctx, nodeID); err != nil {
			return err
		}
		out.AppendString(action.OutputDetachedNodes, nodeID.String())
		return nil
	}

	if err := d.destroy(ctx, nodeID); err != nil {
		return err
	}
	out.AppendString(action.OutputDeletedNodes, nodeID.String())
	return nil
}

func (d *NodeDriver) deferDestroy(ctx context.Context, parent *action.Action, nodeID id.NodeID, grace time.Duration, out action.Outputs) error {
	if err := d.registry.SetNodeStatus(ctx, nodeID, target.NodeDeleting, "destroy deferred"); err != nil {
		return err
	}

	child := action.New(action.NodeDelete, nodeID)
	child.Cause = action.CauseDerived
	child.ParentID = parent.ID
	child.RunAt = time.Now().UTC().Add(grace)
	child.Inputs[action.InputDestroy] = true

	if err := d.enqueue(ctx, child); err != nil {
		return fmt.Errorf("driver: deferring destroy of %s: %w", nodeID, err)
	}

	out.AppendString(action.OutputDeferredActions, child.ID.String())
	d.logger.Info("deferred node destroy",
		slog.String("node_id", nodeID.String()),
		slog.String("derived_action_id", child.ID.String()),
		slog.Duration("grace", grace))
	return nil
}

// destroy deletes the node record. The resource behind it goes with it;
// there is nothing left to detach.
func (d *NodeDriver) destroy(ctx context.Context, nodeID id.NodeID) error {
	if err := d.registry.SetNodeStatus(ctx, nodeID, target.NodeDeleted, "destroyed"); err != nil {
		return err
	}
	return d.registry.DeleteNode(ctx, nodeID)
}

// detach removes the node from its cluster but keeps the record and the
// resource, leaving the node orphaned.
func (d *NodeDriver) detach(ctx context.Context, nodeID id.NodeID) error {
	if err := d.registry.SetNodeCluster(ctx, nodeID, id.Nil); err != nil {
		return err
	}
	return d.registry.SetNodeStatus(ctx, nodeID, target.NodeOrphaned, "detached from cluster")
}

func (d *NodeDriver) addNodes(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error) {
	cluster, err := d.registry.GetCluster(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}

	out := action.Outputs{}
	for _, s := range act.Inputs.Candidates() {
		if stopRequested(ctx, cancelled) {
			d.settleCapacity(ctx, act, cluster.ID, len(out.Strings(action.OutputCreatedNodes)))
			return out, senlin.ErrCancelled
		}

		nodeID, err := id.ParseNodeID(s)
		if err != nil {
			return out, fmt.Errorf("driver: bad candidate %q: %w", s, err)
		}
		if err := d.registry.SetNodeCluster(ctx, nodeID, cluster.ID); err != nil {
			return out, err
		}
		if err := d.registry.SetNodeStatus(ctx, nodeID, target.NodeActive, "joined cluster"); err != nil {
			return out, err
		}
		out.AppendString(action.OutputCreatedNodes, nodeID.String())
	}

	d.settleCapacity(ctx, act, cluster.ID, len(out.Strings(action.OutputCreatedNodes)))
	return out, nil
}

// deleteCluster destroys every member immediately (grace periods do not
// apply, the cluster is going away) and then removes the cluster record.
func (d *NodeDriver) deleteCluster(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error) {
	cluster, err := d.registry.GetCluster(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}
	if err := d.registry.SetClusterStatus(ctx, cluster.ID, target.ClusterDeleting, "cluster delete in progress"); err != nil {
		return nil, err
	}

	nodes, err := d.registry.ListNodes(ctx, cluster.ID)
	if err != nil {
		return nil, err
	}

	destroy := destroyRequested(act)
	out := action.Outputs{}
	for _, n := range nodes {
		if stopRequested(ctx, cancelled) {
			return out, senlin.ErrCancelled
		}
		if destroy {
			if err := d.destroy(ctx, n.ID); err != nil {
				return out, err
			}
			out.AppendString(action.OutputDeletedNodes, n.ID.String())
		} else {
			if err := d.detach(ctx, n.ID); err != nil {
				return out, err
			}
			out.AppendString(action.OutputDetachedNodes, n.ID.String())
		}
	}

	if err := d.registry.DeleteCluster(ctx, cluster.ID); err != nil {
		return out, err
	}
	return out, nil
}

// checkCluster takes a health census of the members. Nodes in ACTIVE
// count as healthy, ERROR as unhealthy; transient states are skipped.
func (d *NodeDriver) checkCluster(ctx context.Context, act *action.Action) (action.Outputs, error) {
	cluster, err := d.registry.GetCluster(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}

	nodes, err := d.registry.ListNodes(ctx, cluster.ID)
	if err != nil {
		return nil, err
	}

	out := action.Outputs{}
	for _, n := range nodes {
		switch n.Status {
		case target.NodeActive:
			out.AppendString(action.OutputHealthyNodes, n.ID.String())
		case target.NodeError:
			out.AppendString(action.OutputUnhealthyNodes, n.ID.String())
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Node actions
// ──────────────────────────────────────────────────

// createNode provisions the resource behind an existing node record
// (CREATING -> ACTIVE).
func (d *NodeDriver) createNode(ctx context.Context, act *action.Action) (action.Outputs, error) {
	node, err := d.registry.GetNode(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}
	if err := d.registry.SetNodeStatus(ctx, node.ID, target.NodeActive, "provisioned"); err != nil {
		return nil, err
	}

	out := action.Outputs{}
	out.AppendString(action.OutputCreatedNodes, node.ID.String())
	return out, nil
}

// deleteNode destroys or detaches a single node. A vanished node is a
// no-op success so that a retried or derived delete converges.
func (d *NodeDriver) deleteNode(ctx context.Context, act *action.Action, cancelled CancelCheck) (action.Outputs, error) {
	out := action.Outputs{}
	if stopRequested(ctx, cancelled) {
		return out, senlin.ErrCancelled
	}

	node, err := d.registry.GetNode(ctx, act.TargetID)
	if errors.Is(err, senlin.ErrNodeNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	if !destroyRequested(act) {
		if err := d.detach(ctx, node.ID); err != nil {
			return out, err
		}
		out.AppendString(action.OutputDetachedNodes, node.ID.String())
		return out, nil
	}

	if err := d.destroy(ctx, node.ID); err != nil {
		return out, err
	}
	out.AppendString(action.OutputDeletedNodes, node.ID.String())
	return out, nil
}

// leaveNode detaches a node from its cluster without touching its
// resource.
func (d *NodeDriver) leaveNode(ctx context.Context, act *action.Action) (action.Outputs, error) {
	node, err := d.registry.GetNode(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}
	if err := d.detach(ctx, node.ID); err != nil {
		return nil, err
	}

	out := action.Outputs{}
	out.AppendString(action.OutputDetachedNodes, node.ID.String())
	return out, nil
}

// settleCapacity raises desired capacity by the number of members
// actually added. Removal-side bookkeeping belongs to the deletion
// policy's POST phase, which counts the deleted_nodes output.
func (d *NodeDriver) settleCapacity(ctx context.Context, act *action.Action, clusterID id.ClusterID, added int) {
	if added == 0 {
		return
	}
	if _, err := d.registry.UpdateClusterCapacity(ctx, clusterID, added); err != nil {
		d.logger.Error("capacity update failed",
			slog.String("cluster_id", clusterID.String()),
			slog.String("action_id", act.ID.String()),
			slog.String("error", err.Error()))
	}
}
