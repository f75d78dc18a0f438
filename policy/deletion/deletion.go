// Package deletion implements the node deletion policy: it selects
// which nodes a shrink operation removes, controls whether their
// resources are destroyed, optionally defers destruction by a grace
// period, and keeps the cluster's desired capacity consistent with the
// nodes actually removed.
package deletion

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/target"
)

// TypeName is the registered policy type identifier.
const TypeName = "DeletionPolicy"

// Criteria orders cluster members for deletion candidate selection.
type Criteria string

const (
	// OldestFirst deletes the longest-lived nodes first.
	OldestFirst Criteria = "OLDEST_FIRST"
	// OldestProfileFirst deletes nodes built from the oldest profile
	// version first, tie-broken by node age.
	OldestProfileFirst Criteria = "OLDEST_PROFILE_FIRST"
	// YoungestFirst deletes the newest nodes first.
	YoungestFirst Criteria = "YOUNGEST_FIRST"
	// Random deletes uniformly random nodes.
	Random Criteria = "RANDOM"
)

// Spec is the YAML configuration document for a deletion policy
// binding. It is immutable once attached.
type Spec struct {
	// Criteria selects the candidate ranking. Defaults to OLDEST_FIRST
	// when unspecified; an unrecognized value is a validation error, not
	// a silent default.
	Criteria Criteria `yaml:"criteria"`
	// DestroyAfterDeletion destroys node resources after removal from
	// the cluster. When false nodes are orphaned, not destroyed.
	DestroyAfterDeletion bool `yaml:"destroy_after_deletion"`
	// GracePeriod is the number of seconds between the decision and the
	// actual destroy. Zero means synchronous destruction.
	GracePeriod int `yaml:"grace_period"`
	// ReduceDesiredCapacity shrinks the cluster's desired capacity by
	// the number of nodes actually removed.
	ReduceDesiredCapacity bool `yaml:"reduce_desired_capacity"`
}

// ParseSpec decodes and validates a deletion policy spec document.
func ParseSpec(raw []byte) (*Spec, error) {
	spec := &Spec{
		Criteria:             OldestFirst,
		DestroyAfterDeletion: true,
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, spec); err != nil {
			return nil, fmt.Errorf("%w: %v", senlin.ErrInvalidPolicyConfig, err)
		}
	}
	if spec.Criteria == "" {
		spec.Criteria = OldestFirst
	}
	switch spec.Criteria {
	case OldestFirst, OldestProfileFirst, YoungestFirst, Random:
	default:
		return nil, fmt.Errorf("%w: unknown criteria %q", senlin.ErrInvalidPolicyConfig, spec.Criteria)
	}
	if spec.GracePeriod < 0 {
		return nil, fmt.Errorf("%w: grace_period must be >= 0", senlin.ErrInvalidPolicyConfig)
	}
	return spec, nil
}

// Policy is the deletion policy instance bound to a cluster.
type Policy struct {
	name string
	spec *Spec
}

// New creates a deletion policy from a raw spec document. It is the
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

// Spec exposes the parsed configuration, read-only by convention.
func (p *Policy) Spec() Spec { return *p.spec }

// Targets lists the shrink operations the policy participates in.
// NODE_DELETE appears only at POST: derived per-node destroys report
// their removals there, so deferred deletions still adjust capacity.
func (p *Policy) Targets() []policy.Target {
	return []policy.Target{
		{Phase: policy.PhasePre, ActionType: action.ClusterScaleIn},
		{Phase: policy.PhasePre, ActionType: action.ClusterDelNodes},
		{Phase: policy.PhasePre, ActionType: action.ClusterDelete},
		{Phase: policy.PhasePost, ActionType: action.ClusterScaleIn},
		{Phase: policy.PhasePost, ActionType: action.ClusterDelNodes},
		{Phase: policy.PhasePost, ActionType: action.ClusterDelete},
		{Phase: policy.PhasePost, ActionType: action.NodeDelete},
	}
}

// Validate re-checks spec consistency. ParseSpec already guarantees it;
// this satisfies the policy contract for bind-time validation.
func (p *Policy) Validate() error {
	switch p.spec.Criteria {
	case OldestFirst, OldestProfileFirst, YoungestFirst, Random:
	default:
		return fmt.Errorf("%w: unknown criteria %q", senlin.ErrInvalidPolicyConfig, p.spec.Criteria)
	}
	if p.spec.GracePeriod < 0 {
		return fmt.Errorf("%w: grace_period must be >= 0", senlin.ErrInvalidPolicyConfig)
	}
	return nil
}

// PreCheck selects deletion candidates and stamps the destroy and
// grace-period inputs onto the action.
//
// Candidates already present on the action (CLUSTER_DEL_NODES names its
// victims) are respected; otherwise the policy ranks eligible members by
// the configured criteria and takes the first count. A count exceeding
// the eligible member set selects everything and reports WARNING; a
// count of zero is a no-op that still reports OK.
func (p *Policy) PreCheck(ctx context.Context, req *policy.Request) (*policy.Result, error) {
	act := req.Action

	count := act.Inputs.Count(1)
	if act.Type == action.ClusterDelete {
		// Deleting the cluster removes every member.
		count = -1
	}

	result := &policy.Result{Severity: policy.SeverityOK}

	candidates := act.Inputs.Candidates()
	if len(candidates) == 0 && count != 0 {
		nodes, err := eligibleNodes(ctx, req)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			count = len(nodes)
		}
		if count > len(nodes) {
			result.Severity = policy.SeverityWarning
			result.Reason = fmt.Sprintf("requested %d deletions but only %d eligible nodes", count, len(nodes))
			count = len(nodes)
		}
		candidates = selectCandidates(nodes, count, p.spec.Criteria)
	}

	act.Inputs.SetCandidates(candidates)
	act.Inputs[action.InputDestroy] = p.spec.DestroyAfterDeletion
	act.Inputs[action.InputGracePeriod] = p.spec.GracePeriod

	if result.Reason == "" {
		result.Reason = fmt.Sprintf("selected %d deletion candidate(s)", len(candidates))
	}
	return result, nil
}

// PostCheck reduces the cluster's desired capacity by the number of
// nodes the body actually removed, when configured. The adjustment is
// an atomic decrement so overlapping shrink completions never lose
// updates.
func (p *Policy) PostCheck(ctx context.Context, req *policy.Request) (*policy.Result, error) {
	if !p.spec.ReduceDesiredCapacity {
		return &policy.Result{Severity: policy.SeverityOK, Reason: "capacity reduction disabled"}, nil
	}

	removed := len(req.Action.Outputs.Strings(action.OutputDeletedNodes))
	removed += len(req.Action.Outputs.Strings(action.OutputDetachedNodes))
	if removed == 0 {
		return &policy.Result{Severity: policy.SeverityOK, Reason: "no nodes removed"}, nil
	}

	capacity, err := req.Registry.UpdateClusterCapacity(ctx, req.Cluster.ID, -removed)
	if err != nil {
		return nil, fmt.Errorf("reducing desired capacity: %w", err)
	}
	return &policy.Result{
		Severity: policy.SeverityOK,
		Reason:   fmt.Sprintf("desired capacity reduced by %d to %d", removed, capacity),
	}, nil
}

// eligibleNodes returns cluster members that are not already on their
// way out.
func eligibleNodes(ctx context.Context, req *policy.Request) ([]*target.Node, error) {
	nodes, err := req.Registry.ListNodes(ctx, req.Cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("listing cluster nodes: %w", err)
	}
	eligible := make([]*target.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == target.NodeDeleting || n.Status == target.NodeDeleted {
			continue
		}
		eligible = append(eligible, n)
	}
	return eligible, nil
}

// selectCandidates ranks nodes by the criteria and returns the first
// count node IDs.
func selectCandidates(nodes []*target.Node, count int, criteria Criteria) []string {
	ranked := make([]*target.Node, len(nodes))
	copy(ranked, nodes)

	switch criteria {
	case OldestFirst:
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
		})
	case YoungestFirst:
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
		})
	case OldestProfileFirst:
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].ProfileVersion != ranked[j].ProfileVersion {
				return ranked[i].ProfileVersion < ranked[j].ProfileVersion
			}
			return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
		})
	case Random:
		rand.Shuffle(len(ranked), func(i, j int) {
			ranked[i], ranked[j] = ranked[j], ranked[i]
		})
	}

	if count > len(ranked) {
		count = len(ranked)
	}
	ids := make([]string, 0, count)
	for _, n := range ranked[:count] {
		ids = append(ids, n.ID.String())
	}
	return ids
}
