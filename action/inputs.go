package action

import "time"

// Well-known input keys. Policies and drivers communicate through these;
// action-type specific extras may use any other key.
const (
	// InputCount is the number of nodes an action adds or removes.
	InputCount = "count"
	// InputCandidates is the list of node IDs selected for removal.
	InputCandidates = "candidates"
	// InputDestroy tells the driver to destroy node resources after
	// removing them from the cluster.
	InputDestroy = "destroy_after_deletion"
	// InputGracePeriod is the number of seconds to delay the destroy.
	InputGracePeriod = "grace_period"
)

// Well-known output keys.
const (
	// OutputCreatedNodes lists node IDs created by the body.
	OutputCreatedNodes = "created_nodes"
	// OutputDeletedNodes lists node IDs removed from the cluster by the
	// body. Capacity bookkeeping counts this list, not the requested
	// count, so partial failures stay consistent.
	OutputDeletedNodes = "deleted_nodes"
	// OutputDetachedNodes lists node IDs detached without destruction.
	OutputDetachedNodes = "detached_nodes"
	// OutputDeferredActions lists derived action IDs scheduled to run
	// later (grace-period destroys).
	OutputDeferredActions = "deferred_actions"
	// OutputHealthyNodes and OutputUnhealthyNodes are produced by
	// CLUSTER_CHECK bodies.
	OutputHealthyNodes   = "healthy_nodes"
	OutputUnhealthyNodes = "unhealthy_nodes"
	// OutputPolicyResults records the policy results collected during
	// evaluation, for the caller to observe.
	OutputPolicyResults = "policy_results"
)

// Inputs is the parameter bag for an action. Values must stay
// JSON-serializable; numeric values may come back as float64 after a
// round trip through a store, so use the typed accessors.
type Inputs map[string]any

// Int returns the integer value for key, tolerating float64 from JSON
// decoding. The second return is false when the key is absent or not
// numeric.
func (in Inputs) Int(key string) (int, bool) {
	switch v := in[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Bool returns the boolean value for key, or false when absent.
func (in Inputs) Bool(key string) bool {
	v, _ := in[key].(bool)
	return v
}

// Strings returns the string-slice value for key, tolerating []any from
// JSON decoding.
func (in Inputs) Strings(key string) []string {
	switch v := in[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Count returns the node count input, or def when unset.
func (in Inputs) Count(def int) int {
	if n, ok := in.Int(InputCount); ok {
		return n
	}
	return def
}

// Candidates returns the node IDs selected for removal.
func (in Inputs) Candidates() []string {
	return in.Strings(InputCandidates)
}

// SetCandidates records the node IDs selected for removal.
func (in Inputs) SetCandidates(nodeIDs []string) {
	in[InputCandidates] = nodeIDs
}

// Destroy reports whether node resources should be destroyed after
// removal.
func (in Inputs) Destroy() bool {
	return in.Bool(InputDestroy)
}

// GracePeriod returns the destroy delay.
func (in Inputs) GracePeriod() time.Duration {
	secs, _ := in.Int(InputGracePeriod)
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs) * time.Second
}

// Outputs is the result bag for an action. Same serialization rules as
// Inputs.
type Outputs map[string]any

// Strings returns the string-slice value for key, tolerating []any from
// JSON decoding.
func (out Outputs) Strings(key string) []string {
	return Inputs(out).Strings(key)
}

// AppendString appends a value to the string slice stored under key.
func (out Outputs) AppendString(key, value string) {
	out[key] = append(out.Strings(key), value)
}
