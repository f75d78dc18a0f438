// Package scaling implements the scaling policy: it turns a requested
// adjustment into a concrete node count and keeps the resulting cluster
// size inside the configured [min_size, max_size] range.
package scaling

import (
	"context"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/policy"
)

// TypeName is the registered policy type identifier.
const TypeName = "ScalingPolicy"

// AdjustmentType says how the adjustment number is interpreted.
type AdjustmentType string

const (
	// ChangeInCapacity adds or removes a fixed number of nodes.
	ChangeInCapacity AdjustmentType = "CHANGE_IN_CAPACITY"
	// ExactCapacity scales to an absolute size.
	ExactCapacity AdjustmentType = "EXACT_CAPACITY"
	// ChangeInPercentage adds or removes a percentage of the current
	// desired capacity, rounded away from zero with MinStep as floor.
	ChangeInPercentage AdjustmentType = "CHANGE_IN_PERCENTAGE"
)

// Spec is the YAML configuration document for a scaling policy binding.
type Spec struct {
	// Type selects the adjustment interpretation. Defaults to
	// CHANGE_IN_CAPACITY.
	Type AdjustmentType `yaml:"adjustment_type"`
	// Number is the adjustment magnitude (nodes, absolute size, or
	// percent depending on Type).
	Number float64 `yaml:"number"`
	// MinStep is the smallest node delta a percentage adjustment may
	// produce.
	MinStep int `yaml:"min_step"`
	// BestEffort clamps an out-of-range result to the boundary instead
	// of vetoing the action.
	BestEffort bool `yaml:"best_effort"`
}

// ParseSpec decodes and validates a scaling policy spec document.
func ParseSpec(raw []byte) (*Spec, error) {
	spec := &Spec{Type: ChangeInCapacity, Number: 1, MinStep: 1}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, spec); err != nil {
			return nil, fmt.Errorf("%w: %v", senlin.ErrInvalidPolicyConfig, err)
		}
	}
	if spec.Type == "" {
		spec.Type = ChangeInCapacity
	}
	switch spec.Type {
	case ChangeInCapacity, ExactCapacity, ChangeInPercentage:
	default:
		return nil, fmt.Errorf("%w: unknown adjustment_type %q", senlin.ErrInvalidPolicyConfig, spec.Type)
	}
	if spec.Type == ExactCapacity && spec.Number < 0 {
		return nil, fmt.Errorf("%w: exact capacity must be >= 0", senlin.ErrInvalidPolicyConfig)
	}
	if spec.MinStep < 0 {
		return nil, fmt.Errorf("%w: min_step must be >= 0", senlin.ErrInvalidPolicyConfig)
	}
	return spec, nil
}

// Policy is the scaling policy instance bound to a cluster.
type Policy struct {
	name string
	spec *Spec
}

// New creates a scaling policy from a raw spec document. It is the
// factory registered under TypeName.
func New(name string, raw []byte) (policy.Policy, error) {
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, err
	}
	return &Policy{name: name, spec: spec}, nil
}

func (p *Policy) Name() string     { return p.name }
func (p *Policy) TypeName() string { return TypeName }

// Spec exposes the parsed configuration.
func (p *Policy) Spec() Spec { return *p.spec }

// Targets lists the scale operations the policy participates in.
func (p *Policy) Targets() []policy.Target {
	return []policy.Target{
		{Phase: policy.PhasePre, ActionType: action.ClusterScaleOut},
		{Phase: policy.PhasePre, ActionType: action.ClusterScaleIn},
	}
}

// Validate re-checks spec consistency.
func (p *Policy) Validate() error {
	switch p.spec.Type {
	case ChangeInCapacity, ExactCapacity, ChangeInPercentage:
	default:
		return fmt.Errorf("%w: unknown adjustment_type %q", senlin.ErrInvalidPolicyConfig, p.spec.Type)
	}
	return nil
}

// PreCheck computes the node delta for the scale action and verifies
// the resulting size stays inside the cluster's [MinSize, MaxSize]. An
// explicit count input on the action wins over the policy's configured
// adjustment. An out-of-range result is CRITICAL unless best_effort is
// set, in which case the count is clamped to the boundary and a WARNING
// is reported.
func (p *Policy) PreCheck(_ context.Context, req *policy.Request) (*policy.Result, error) {
	act := req.Action
	cluster := req.Cluster

	delta := p.delta(act, cluster.DesiredCapacity)
	if delta == 0 {
		return &policy.Result{Severity: policy.SeverityOK, Reason: "no capacity change"}, nil
	}

	newSize := cluster.DesiredCapacity + p.signed(act, delta)
	clamped := newSize
	if clamped < cluster.MinSize {
		clamped = cluster.MinSize
	}
	if cluster.MaxSize > 0 && clamped > cluster.MaxSize {
		clamped = cluster.MaxSize
	}

	if clamped == newSize {
		act.Inputs[action.InputCount] = delta
		return &policy.Result{
			Severity: policy.SeverityOK,
			Reason:   fmt.Sprintf("scaling by %d node(s) to %d", delta, newSize),
		}, nil
	}

	if !p.spec.BestEffort {
		return &policy.Result{
			Severity: policy.SeverityCritical,
			Reason: fmt.Sprintf("resulting size %d outside [%d, %d]",
				newSize, cluster.MinSize, cluster.MaxSize),
		}, nil
	}

	adjusted := clamped - cluster.DesiredCapacity
	if adjusted < 0 {
		adjusted = -adjusted
	}
	act.Inputs[action.InputCount] = adjusted
	return &policy.Result{
		Severity: policy.SeverityWarning,
		Reason: fmt.Sprintf("requested size %d clamped to %d (best effort)",
			newSize, clamped),
	}, nil
}

// delta returns the unsigned node count for the action.
func (p *Policy) delta(act *action.Action, current int) int {
	if n, ok := act.Inputs.Int(action.InputCount); ok && n >= 0 {
		return n
	}

	switch p.spec.Type {
	case ExactCapacity:
		d := int(p.spec.Number) - current
		if d < 0 {
			d = -d
		}
		return d
	case ChangeInPercentage:
		d := int(math.Ceil(math.Abs(p.spec.Number) / 100 * float64(current)))
		if d < p.spec.MinStep {
			d = p.spec.MinStep
		}
		return d
	default: // ChangeInCapacity
		d := int(p.spec.Number)
		if d < 0 {
			d = -d
		}
		return d
	}
}

// signed applies the action's direction to the delta.
func (p *Policy) signed(act *action.Action, delta int) int {
	if act.Type == action.ClusterScaleIn {
		return -delta
	}
	return delta
}
