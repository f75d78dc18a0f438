package policy

import (
	"fmt"
	"sync"

	"github.com/qizha/senlin"
)

// Factory builds a policy instance from a binding name and its raw YAML
// spec. Factories return senlin.ErrInvalidPolicyConfig (wrapped) when
// the spec does not parse or fails validation.
type Factory func(name string, spec []byte) (Policy, error)

// Registry maps policy type names to factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty policy type registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a policy type. Registering the same type twice replaces
// the earlier factory.
func (r *Registry) Register(typeName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = f
}

// Types returns the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// New instantiates a policy for a binding. Unknown types return
// senlin.ErrUnknownPolicyType.
func (r *Registry) New(typeName, name string, spec []byte) (Policy, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", senlin.ErrUnknownPolicyType, typeName)
	}
	return f(name, spec)
}
