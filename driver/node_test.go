package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/driver"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/store/memory"
	"github.com/qizha/senlin/target"
)

func never() bool { return false }

func seedCluster(t *testing.T, s *memory.Store, members int) *target.Cluster {
	t.Helper()
	c := &target.Cluster{
		Entity:          senlin.NewEntity(),
		ID:              id.NewClusterID(),
		Name:            "web",
		ProfileID:       id.NewProfileID(),
		DesiredCapacity: members,
		MaxSize:         10,
		Status:          target.ClusterActive,
	}
	if err := s.CreateCluster(context.Background(), c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	for i := 0; i < members; i++ {
		idx, err := s.NextNodeIndex(context.Background(), c.ID)
		if err != nil {
			t.Fatalf("NextNodeIndex: %v", err)
		}
		n := &target.Node{
			Entity:    senlin.NewEntity(),
			ID:        id.NewNodeID(),
			Name:      "web-node",
			ClusterID: c.ID,
			ProfileID: c.ProfileID,
			Status:    target.NodeActive,
			Index:     idx,
		}
		if err := s.CreateNode(context.Background(), n); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}
	return c
}

func TestScaleOut_CreatesNodesAndRaisesCapacity(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 1)
	d := driver.NewNodeDriver(s, nil, nil)

	act := action.New(action.ClusterScaleOut, c.ID)
	act.Inputs[action.InputCount] = 2

	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	created := out.Strings(action.OutputCreatedNodes)
	if len(created) != 2 {
		t.Fatalf("created %d nodes, want 2", len(created))
	}

	nodes, err := s.ListNodes(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 3 {
		t.Errorf("cluster has %d members, want 3", len(nodes))
	}

	got, err := s.GetCluster(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	if got.DesiredCapacity != 3 {
		t.Errorf("desired capacity = %d, want 3", got.DesiredCapacity)
	}
}

func TestScaleIn_DestroysCandidates(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 3)
	d := driver.NewNodeDriver(s, nil, nil)

	nodes, _ := s.ListNodes(context.Background(), c.ID)
	victim := nodes[0].ID

	act := action.New(action.ClusterScaleIn, c.ID)
	act.Inputs.SetCandidates([]string{victim.String()})
	act.Inputs[action.InputDestroy] = true

	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	deleted := out.Strings(action.OutputDeletedNodes)
	if len(deleted) != 1 || deleted[0] != victim.String() {
		t.Fatalf("deleted_nodes = %v, want [%s]", deleted, victim)
	}

	if _, err := s.GetNode(context.Background(), victim); !errors.Is(err, senlin.ErrNodeNotFound) {
		t.Errorf("victim still present: %v", err)
	}
}

func TestScaleIn_DetachKeepsNode(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 2)
	d := driver.NewNodeDriver(s, nil, nil)

	nodes, _ := s.ListNodes(context.Background(), c.ID)
	victim := nodes[0].ID

	act := action.New(action.ClusterScaleIn, c.ID)
	act.Inputs.SetCandidates([]string{victim.String()})
	act.Inputs[action.InputDestroy] = false

	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Strings(action.OutputDetachedNodes)) != 1 {
		t.Fatalf("detached_nodes = %v, want one entry", out.Strings(action.OutputDetachedNodes))
	}

	n, err := s.GetNode(context.Background(), victim)
	if err != nil {
		t.Fatalf("detached node record gone: %v", err)
	}
	if n.Status != target.NodeOrphaned {
		t.Errorf("status = %s, want ORPHANED", n.Status)
	}
	if !n.ClusterID.IsNil() {
		t.Errorf("node still attached to %s", n.ClusterID)
	}
}

func TestScaleIn_GracePeriodDefersDestroy(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 2)

	var derived []*action.Action
	enqueue := func(_ context.Context, a *action.Action) error {
		derived = append(derived, a)
		return nil
	}
	d := driver.NewNodeDriver(s, enqueue, nil)

	nodes, _ := s.ListNodes(context.Background(), c.ID)
	victim := nodes[0].ID

	act := action.New(action.ClusterScaleIn, c.ID)
	act.Inputs.SetCandidates([]string{victim.String()})
	act.Inputs[action.InputDestroy] = true
	act.Inputs[action.InputGracePeriod] = 60

	before := time.Now()
	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(out.Strings(action.OutputDeletedNodes)) != 0 {
		t.Error("node reported deleted despite grace period")
	}
	deferred := out.Strings(action.OutputDeferredActions)
	if len(deferred) != 1 {
		t.Fatalf("deferred_actions = %v, want one entry", deferred)
	}

	if len(derived) != 1 {
		t.Fatalf("enqueued %d derived actions, want 1", len(derived))
	}
	child := derived[0]
	if child.Type != action.NodeDelete || child.Cause != action.CauseDerived {
		t.Errorf("derived action is %s/%s, want NODE_DELETE/derived", child.Type, child.Cause)
	}
	if child.ParentID != act.ID {
		t.Error("derived action not linked to parent")
	}
	if child.RunAt.Before(before.Add(59 * time.Second)) {
		t.Errorf("RunAt = %v, want ~60s in the future", child.RunAt)
	}

	n, err := s.GetNode(context.Background(), victim)
	if err != nil {
		t.Fatalf("node record gone before grace elapsed: %v", err)
	}
	if n.Status != target.NodeDeleting {
		t.Errorf("status = %s, want DELETING", n.Status)
	}
}

func TestScaleOut_CancelStopsAtNodeBoundary(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 0)
	d := driver.NewNodeDriver(s, nil, nil)

	act := action.New(action.ClusterScaleOut, c.ID)
	act.Inputs[action.InputCount] = 3

	checks := 0
	cancelAfterFirst := func() bool {
		checks++
		return checks > 1
	}

	out, err := d.Execute(context.Background(), act, cancelAfterFirst)
	if !errors.Is(err, senlin.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	if created := out.Strings(action.OutputCreatedNodes); len(created) != 1 {
		t.Fatalf("partial outputs list %d created nodes, want 1", len(created))
	}

	got, err := s.GetCluster(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	if got.DesiredCapacity != 1 {
		t.Errorf("desired capacity = %d, want 1 (only the work actually done)", got.DesiredCapacity)
	}
}

func TestClusterDelete_DestroysMembersAndRecord(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 2)
	d := driver.NewNodeDriver(s, nil, nil)

	act := action.New(action.ClusterDelete, c.ID)
	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Strings(action.OutputDeletedNodes)) != 2 {
		t.Fatalf("deleted_nodes = %v, want 2 entries", out.Strings(action.OutputDeletedNodes))
	}
	if _, err := s.GetCluster(context.Background(), c.ID); !errors.Is(err, senlin.ErrClusterNotFound) {
		t.Errorf("cluster record still present: %v", err)
	}
}

func TestClusterCheck_Census(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 3)
	d := driver.NewNodeDriver(s, nil, nil)

	nodes, _ := s.ListNodes(context.Background(), c.ID)
	if err := s.SetNodeStatus(context.Background(), nodes[1].ID, target.NodeError, "probe failed"); err != nil {
		t.Fatalf("SetNodeStatus: %v", err)
	}

	act := action.New(action.ClusterCheck, c.ID)
	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := len(out.Strings(action.OutputHealthyNodes)); got != 2 {
		t.Errorf("healthy_nodes has %d entries, want 2", got)
	}
	if got := len(out.Strings(action.OutputUnhealthyNodes)); got != 1 {
		t.Errorf("unhealthy_nodes has %d entries, want 1", got)
	}
}

func TestNodeDelete_MissingNodeIsNoOp(t *testing.T) {
	s := memory.New()
	d := driver.NewNodeDriver(s, nil, nil)

	act := action.New(action.NodeDelete, id.NewNodeID())
	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("deleting a vanished node must converge: %v", err)
	}
	if len(out.Strings(action.OutputDeletedNodes)) != 0 {
		t.Errorf("deleted_nodes = %v, want empty", out.Strings(action.OutputDeletedNodes))
	}
}

func TestNodeLeave_Detaches(t *testing.T) {
	s := memory.New()
	c := seedCluster(t, s, 1)
	d := driver.NewNodeDriver(s, nil, nil)

	nodes, _ := s.ListNodes(context.Background(), c.ID)
	act := action.New(action.NodeLeave, nodes[0].ID)

	out, err := d.Execute(context.Background(), act, never)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Strings(action.OutputDetachedNodes)) != 1 {
		t.Fatalf("detached_nodes = %v, want one entry", out.Strings(action.OutputDetachedNodes))
	}

	n, _ := s.GetNode(context.Background(), nodes[0].ID)
	if !n.ClusterID.IsNil() {
		t.Errorf("node still attached to %s", n.ClusterID)
	}
}
