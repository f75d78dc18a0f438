package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/target"
)

// Engine evaluates the bindings attached to a cluster around action
// execution.
type Engine struct {
	store    Store
	registry *Registry
	targets  target.Registry
	logger   *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(store Store, registry *Registry, targets target.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, registry: registry, targets: targets, logger: logger}
}

// clusterFor resolves the cluster an action operates on. Node actions
// resolve through the node's cluster membership; detached nodes have no
// cluster and no policies apply.
func (e *Engine) clusterFor(ctx context.Context, act *action.Action) (*target.Cluster, error) {
	if act.TargetKind == action.KindCluster {
		return e.targets.GetCluster(ctx, act.TargetID)
	}
	node, err := e.targets.GetNode(ctx, act.TargetID)
	if err != nil {
		return nil, err
	}
	if node.ClusterID.IsNil() {
		return nil, nil
	}
	return e.targets.GetCluster(ctx, node.ClusterID)
}

// Evaluate runs all enabled bindings for the action's cluster at the
// given phase, in priority order. Results are returned in evaluation
// order. The first effective CRITICAL verdict stops evaluation and is
// returned as a *senlin.PolicyRejectedError alongside the results
// collected so far.
//
// A binding's enforcement level caps the severity the engine acts on:
// a CRITICAL verdict under a WARNING binding degrades to WARNING and
// does not veto. Disabled bindings, bindings whose policy does not
// target (phase, action type), and bindings inside their cooldown
// window are skipped.
func (e *Engine) Evaluate(ctx context.Context, clusterID id.ClusterID, act *action.Action, phase Phase) ([]Result, error) {
	cluster, err := e.resolveCluster(ctx, clusterID, act)
	if err != nil {
		return nil, err
	}
	if cluster == nil {
		// Detached node, nothing to evaluate.
		return nil, nil
	}

	bindings, err := e.store.ListBindings(ctx, cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("listing policy bindings: %w", err)
	}

	now := time.Now().UTC()
	var results []Result

	for _, b := range bindings {
		if !b.Enabled {
			continue
		}
		if b.InCooldown(now) {
			e.logger.Debug("policy binding in cooldown, skipping",
				slog.String("binding", b.Name),
				slog.String("cluster_id", cluster.ID.String()),
			)
			continue
		}

		p, err := e.registry.New(b.Type, b.Name, b.Spec)
		if err != nil {
			return results, fmt.Errorf("instantiating policy %s: %w", b.Name, err)
		}
		if !Handles(p, phase, act.Type) {
			continue
		}

		res, err := e.check(ctx, p, phase, &Request{Cluster: cluster, Action: act, Registry: e.targets})
		if err != nil {
			return results, fmt.Errorf("policy %s %s check: %w", b.Name, phase, err)
		}
		if res == nil {
			continue
		}

		res.Policy = b.Name
		res.Type = b.Type
		res.Severity = Cap(res.Severity, b.Level)
		results = append(results, *res)

		if res.Severity != SeverityOK {
			e.markEvaluated(ctx, b, now)
		}

		if res.Severity == SeverityCritical {
			return results, &senlin.PolicyRejectedError{
				Policy: b.Name,
				Type:   b.Type,
				Reason: res.Reason,
			}
		}
	}

	return results, nil
}

// resolveCluster prefers the explicit cluster ID and falls back to
// resolving through the action target.
func (e *Engine) resolveCluster(ctx context.Context, clusterID id.ClusterID, act *action.Action) (*target.Cluster, error) {
	if !clusterID.IsNil() {
		return e.targets.GetCluster(ctx, clusterID)
	}
	return e.clusterFor(ctx, act)
}

func (e *Engine) check(ctx context.Context, p Policy, phase Phase, req *Request) (*Result, error) {
	switch phase {
	case PhasePre:
		pc, ok := p.(PreChecker)
		if !ok {
			return nil, nil
		}
		return pc.PreCheck(ctx, req)
	case PhasePost:
		pc, ok := p.(PostChecker)
		if !ok {
			return nil, nil
		}
		return pc.PostCheck(ctx, req)
	default:
		return nil, fmt.Errorf("unknown policy phase %q", phase)
	}
}

// markEvaluated opens the binding's cooldown window. Failures here are
// logged, not propagated: cooldown is advisory and must not fail the
// action.
func (e *Engine) markEvaluated(ctx context.Context, b *Binding, now time.Time) {
	if b.Cooldown <= 0 {
		return
	}
	b.LastEvaluatedAt = &now
	if err := e.store.UpdateBinding(ctx, b); err != nil {
		e.logger.Warn("failed to record policy cooldown",
			slog.String("binding", b.Name),
			slog.String("error", err.Error()),
		)
	}
}
