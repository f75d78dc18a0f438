package policy

import (
	"context"
	"time"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/id"
)

// Binding attaches one configured policy to one cluster.
type Binding struct {
	senlin.Entity

	ID        id.PolicyID  `json:"id"`
	ClusterID id.ClusterID `json:"cluster_id"`
	// Name is the instance name, unique per cluster.
	Name string `json:"name"`
	// Type is the registered policy type this binding instantiates.
	Type string `json:"type"`
	// Level caps the effective severity of the policy's verdicts.
	Level Enforcement `json:"level"`
	// Priority orders evaluation; lower values run first. Ties break on
	// creation time.
	Priority int `json:"priority"`
	// Enabled bindings are evaluated; disabled ones are skipped without
	// being detached.
	Enabled bool `json:"enabled"`
	// Cooldown suppresses re-evaluation of this binding for the given
	// duration after it last produced a non-OK verdict. Zero disables.
	Cooldown time.Duration `json:"cooldown,omitempty"`
	// LastEvaluatedAt is the start of the current cooldown window.
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	// Spec is the raw YAML policy configuration, parsed by the policy
	// type's factory.
	Spec []byte `json:"spec,omitempty"`
}

// NewBinding creates an enabled binding with default enforcement.
func NewBinding(clusterID id.ClusterID, name, policyType string, spec []byte) *Binding {
	return &Binding{
		Entity:    senlin.NewEntity(),
		ID:        id.NewPolicyID(),
		ClusterID: clusterID,
		Name:      name,
		Type:      policyType,
		Level:     EnforceCritical,
		Enabled:   true,
		Spec:      spec,
	}
}

// InCooldown reports whether the binding's cooldown window is open at
// the given instant.
func (b *Binding) InCooldown(now time.Time) bool {
	if b.Cooldown <= 0 || b.LastEvaluatedAt == nil {
		return false
	}
	return now.Sub(*b.LastEvaluatedAt) < b.Cooldown
}

// Store defines the persistence contract for policy bindings.
type Store interface {
	// AttachPolicy persists a binding. Attaching a second binding with
	// the same cluster and name returns senlin.ErrDuplicateBind.
	AttachPolicy(ctx context.Context, b *Binding) error

	// DetachPolicy removes a binding.
	DetachPolicy(ctx context.Context, bindingID id.PolicyID) error

	// GetBinding retrieves a binding by ID.
	GetBinding(ctx context.Context, bindingID id.PolicyID) (*Binding, error)

	// ListBindings returns all bindings for a cluster ordered by
	// Priority ascending, then CreatedAt ascending.
	ListBindings(ctx context.Context, clusterID id.ClusterID) ([]*Binding, error)

	// UpdateBinding persists changes to a binding (enable/disable,
	// level, cooldown bookkeeping).
	UpdateBinding(ctx context.Context, b *Binding) error
}
