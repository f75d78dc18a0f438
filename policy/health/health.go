// Package health implements the health policy: it vetoes mutations of
// clusters already in ERROR, and recomputes cluster status from member
// node statuses after a health check runs.
package health

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/target"
)

// TypeName is the registered policy type identifier.
const TypeName = "HealthPolicy"

// Spec is the YAML configuration document for a health policy binding.
type Spec struct {
	// AllowDegraded downgrades the mutation veto on ERROR clusters to a
	// WARNING, letting operators repair a broken cluster by scaling it.
	AllowDegraded bool `yaml:"allow_degraded"`
}

// ParseSpec decodes a health policy spec document.
func ParseSpec(raw []byte) (*Spec, error) {
	spec := &Spec{}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, spec); err != nil {
			return nil, fmt.Errorf("%w: %v", senlin.ErrInvalidPolicyConfig, err)
		}
	}
	return spec, nil
}

// Policy is the health policy instance bound to a cluster.
type Policy struct {
	name string
	spec *Spec
}

// New creates a health policy from a raw spec document. It is the
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
func (p *Policy) Validate() error  { return nil }

// Targets guards all mutating cluster operations and follows up on
// health checks.
func (p *Policy) Targets() []policy.Target {
	return []policy.Target{
		{Phase: policy.PhasePre, ActionType: action.ClusterScaleOut},
		{Phase: policy.PhasePre, ActionType: action.ClusterScaleIn},
		{Phase: policy.PhasePre, ActionType: action.ClusterAddNodes},
		{Phase: policy.PhasePre, ActionType: action.ClusterDelNodes},
		{Phase: policy.PhasePost, ActionType: action.ClusterCheck},
	}
}

// PreCheck vetoes mutations of a cluster in ERROR. With allow_degraded
// the veto softens to a WARNING.
func (p *Policy) PreCheck(_ context.Context, req *policy.Request) (*policy.Result, error) {
	if req.Cluster.Status != target.ClusterError {
		return &policy.Result{Severity: policy.SeverityOK, Reason: "cluster healthy"}, nil
	}

	severity := policy.SeverityCritical
	if p.spec.AllowDegraded {
		severity = policy.SeverityWarning
	}
	return &policy.Result{
		Severity: severity,
		Reason:   fmt.Sprintf("cluster %s is in ERROR: %s", req.Cluster.Name, req.Cluster.StatusReason),
	}, nil
}

// PostCheck recomputes the cluster status from the health check's node
// census: all healthy means ACTIVE, a minority unhealthy means WARNING,
// a majority unhealthy means ERROR.
func (p *Policy) PostCheck(ctx context.Context, req *policy.Request) (*policy.Result, error) {
	healthy := len(req.Action.Outputs.Strings(action.OutputHealthyNodes))
	unhealthy := len(req.Action.Outputs.Strings(action.OutputUnhealthyNodes))
	total := healthy + unhealthy

	var status target.ClusterStatus
	var reason string
	switch {
	case total == 0 || unhealthy == 0:
		status = target.ClusterActive
		reason = "all nodes healthy"
	case unhealthy*2 < total:
		status = target.ClusterWarning
		reason = fmt.Sprintf("%d of %d nodes unhealthy", unhealthy, total)
	default:
		status = target.ClusterError
		reason = fmt.Sprintf("%d of %d nodes unhealthy", unhealthy, total)
	}

	if err := req.Registry.SetClusterStatus(ctx, req.Cluster.ID, status, reason); err != nil {
		return nil, fmt.Errorf("updating cluster status: %w", err)
	}

	severity := policy.SeverityOK
	if status == target.ClusterError {
		severity = policy.SeverityError
	} else if status == target.ClusterWarning {
		severity = policy.SeverityWarning
	}
	return &policy.Result{Severity: severity, Reason: reason}, nil
}
