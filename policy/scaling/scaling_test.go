package scaling_test

import (
	"context"
	"errors"
	"testing"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/policy/scaling"
	"github.com/qizha/senlin/target"
)

func testCluster(capacity, minSize, maxSize int) *target.Cluster {
	return &target.Cluster{
		Entity:          senlin.NewEntity(),
		ID:              id.NewClusterID(),
		Name:            "web",
		DesiredCapacity: capacity,
		MinSize:         minSize,
		MaxSize:         maxSize,
		Status:          target.ClusterActive,
	}
}

func preCheck(t *testing.T, p policy.Policy, c *target.Cluster, act *action.Action) *policy.Result {
	t.Helper()
	res, err := p.(policy.PreChecker).PreCheck(context.Background(), &policy.Request{Cluster: c, Action: act})
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	return res
}

func TestParseSpec_InvalidAdjustmentType(t *testing.T) {
	if _, err := scaling.ParseSpec([]byte("adjustment_type: DOUBLE_IT\n")); !errors.Is(err, senlin.ErrInvalidPolicyConfig) {
		t.Fatalf("got %v, want ErrInvalidPolicyConfig", err)
	}
}

func TestPreCheck_InRangeChangeInCapacity(t *testing.T) {
	p, err := scaling.New("scale", []byte("adjustment_type: CHANGE_IN_CAPACITY\nnumber: 2\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := testCluster(4, 1, 10)
	act := action.New(action.ClusterScaleOut, c.ID)

	res := preCheck(t, p, c, act)
	if res.Severity != policy.SeverityOK {
		t.Fatalf("severity = %s, want OK", res.Severity)
	}
	if n, _ := act.Inputs.Int(action.InputCount); n != 2 {
		t.Errorf("count input = %d, want 2", n)
	}
}

func TestPreCheck_ExplicitCountWins(t *testing.T) {
	p, err := scaling.New("scale", []byte("number: 5\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := testCluster(4, 1, 10)
	act := action.New(action.ClusterScaleIn, c.ID)
	act.Inputs[action.InputCount] = 1

	res := preCheck(t, p, c, act)
	if res.Severity != policy.SeverityOK {
		t.Fatalf("severity = %s, want OK", res.Severity)
	}
	if n, _ := act.Inputs.Int(action.InputCount); n != 1 {
		t.Errorf("count input = %d, want the action's own 1", n)
	}
}

func TestPreCheck_BreachWithoutBestEffortIsCritical(t *testing.T) {
	p, err := scaling.New("scale", []byte("number: 3\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := testCluster(2, 1, 10)
	act := action.New(action.ClusterScaleIn, c.ID) // 2-3 = -1 < min 1

	res := preCheck(t, p, c, act)
	if res.Severity != policy.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL on range breach", res.Severity)
	}
}

func TestPreCheck_BestEffortClampsWithWarning(t *testing.T) {
	p, err := scaling.New("scale", []byte("number: 3\nbest_effort: true\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := testCluster(2, 1, 10)
	act := action.New(action.ClusterScaleIn, c.ID)

	res := preCheck(t, p, c, act)
	if res.Severity != policy.SeverityWarning {
		t.Fatalf("severity = %s, want WARNING when clamped", res.Severity)
	}
	if n, _ := act.Inputs.Int(action.InputCount); n != 1 {
		t.Errorf("count input = %d, want clamped delta 1 (2 -> min 1)", n)
	}
}

func TestPreCheck_ExactCapacity(t *testing.T) {
	p, err := scaling.New("scale", []byte("adjustment_type: EXACT_CAPACITY\nnumber: 7\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := testCluster(4, 1, 10)
	act := action.New(action.ClusterScaleOut, c.ID)

	res := preCheck(t, p, c, act)
	if res.Severity != policy.SeverityOK {
		t.Fatalf("severity = %s, want OK", res.Severity)
	}
	if n, _ := act.Inputs.Int(action.InputCount); n != 3 {
		t.Errorf("count input = %d, want |7-4| = 3", n)
	}
}

func TestPreCheck_PercentageHonorsMinStep(t *testing.T) {
	p, err := scaling.New("scale", []byte("adjustment_type: CHANGE_IN_PERCENTAGE\nnumber: 10\nmin_step: 2\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 10% of 4 rounds up to 1, below min_step 2.
	c := testCluster(4, 0, 20)
	act := action.New(action.ClusterScaleOut, c.ID)

	res := preCheck(t, p, c, act)
	if res.Severity != policy.SeverityOK {
		t.Fatalf("severity = %s, want OK", res.Severity)
	}
	if n, _ := act.Inputs.Int(action.InputCount); n != 2 {
		t.Errorf("count input = %d, want min_step 2", n)
	}
}
