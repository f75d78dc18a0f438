// Package loadbalance implements the load-balance policy: after a
// membership-changing action completes it records which pool members
// were added or removed, so the fronting load balancer can be
// reconciled against the cluster.
package loadbalance

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/policy"
)

// TypeName is the registered policy type identifier.
const TypeName = "LoadBalancePolicy"

// Output keys stamped on the action by PostCheck.
const (
	OutputLBPool           = "lb_pool"
	OutputLBMembersAdded   = "lb_members_added"
	OutputLBMembersRemoved = "lb_members_removed"
)

// Spec is the YAML configuration document for a load-balance policy
// binding.
type Spec struct {
	// Pool names the load balancer pool the cluster's nodes belong to.
	Pool string `yaml:"pool"`
	// Port is the backend port members listen on.
	Port int `yaml:"port"`
}

// ParseSpec decodes and validates a load-balance policy spec document.
func ParseSpec(raw []byte) (*Spec, error) {
	spec := &Spec{Port: 80}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, spec); err != nil {
			return nil, fmt.Errorf("%w: %v", senlin.ErrInvalidPolicyConfig, err)
		}
	}
	if spec.Pool == "" {
		return nil, fmt.Errorf("%w: pool is required", senlin.ErrInvalidPolicyConfig)
	}
	if spec.Port <= 0 || spec.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", senlin.ErrInvalidPolicyConfig, spec.Port)
	}
	return spec, nil
}

// Policy is the load-balance policy instance bound to a cluster.
type Policy struct {
	name string
	spec *Spec
}

// New creates a load-balance policy from a raw spec document. It is
// the factory registered under TypeName.
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

func (p *Policy) Validate() error {
	if p.spec.Pool == "" {
		return fmt.Errorf("%w: pool is required", senlin.ErrInvalidPolicyConfig)
	}
	return nil
}

// Targets lists every action that can change cluster membership.
func (p *Policy) Targets() []policy.Target {
	return []policy.Target{
		{Phase: policy.PhasePost, ActionType: action.ClusterScaleOut},
		{Phase: policy.PhasePost, ActionType: action.ClusterScaleIn},
		{Phase: policy.PhasePost, ActionType: action.ClusterAddNodes},
		{Phase: policy.PhasePost, ActionType: action.ClusterDelNodes},
		{Phase: policy.PhasePost, ActionType: action.NodeCreate},
		{Phase: policy.PhasePost, ActionType: action.NodeDelete},
		{Phase: policy.PhasePost, ActionType: action.NodeLeave},
	}
}

// PostCheck records the pool membership changes implied by the
// completed action's outputs.
func (p *Policy) PostCheck(_ context.Context, req *policy.Request) (*policy.Result, error) {
	act := req.Action

	added := act.Outputs.Strings(action.OutputCreatedNodes)
	removed := append(act.Outputs.Strings(action.OutputDeletedNodes),
		act.Outputs.Strings(action.OutputDetachedNodes)...)

	if len(added) == 0 && len(removed) == 0 {
		return &policy.Result{Severity: policy.SeverityOK, Reason: "no membership change"}, nil
	}

	act.Outputs[OutputLBPool] = p.spec.Pool
	for _, member := range added {
		act.Outputs.AppendString(OutputLBMembersAdded, member)
	}
	for _, member := range removed {
		act.Outputs.AppendString(OutputLBMembersRemoved, member)
	}

	return &policy.Result{
		Severity: policy.SeverityOK,
		Reason: fmt.Sprintf("pool %s: %d member(s) added, %d removed",
			p.spec.Pool, len(added), len(removed)),
	}, nil
}
