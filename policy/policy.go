package policy

import (
	"context"

	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/target"
)

// Phase says when a policy check runs relative to the action body.
type Phase string

const (
	// PhasePre runs before the action body, after the target lock is
	// held. PRE checks may mutate action inputs or veto execution.
	PhasePre Phase = "PRE"
	// PhasePost runs after the action body completes. POST checks
	// record consequences (capacity bookkeeping, membership updates).
	PhasePost Phase = "POST"
)

// Severity grades a policy verdict.
type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for comparison. Unknown severities rank as OK.
func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Enforcement is the per-binding ceiling on verdict severity. A policy
// may report any raw severity; the binding's enforcement level caps the
// effective severity the engine acts on. IGNORE silences the policy
// entirely (effective OK, still evaluated for its input mutations).
type Enforcement string

const (
	EnforceIgnore   Enforcement = "IGNORE"
	EnforceWarning  Enforcement = "WARNING"
	EnforceError    Enforcement = "ERROR"
	EnforceCritical Enforcement = "CRITICAL"
)

// ceiling returns the maximum severity rank the enforcement allows.
func (e Enforcement) ceiling() int {
	switch e {
	case EnforceIgnore:
		return 0
	case EnforceWarning:
		return 1
	case EnforceError:
		return 2
	default:
		// CRITICAL and unset bindings do not cap.
		return 3
	}
}

// Cap applies an enforcement ceiling to a raw severity and returns the
// effective severity: min(raw, ceiling).
func Cap(raw Severity, level Enforcement) Severity {
	if raw.rank() <= level.ceiling() {
		return raw
	}
	switch level.ceiling() {
	case 0:
		return SeverityOK
	case 1:
		return SeverityWarning
	case 2:
		return SeverityError
	default:
		return SeverityCritical
	}
}

// Result is one policy's verdict for one action at one phase.
type Result struct {
	// Policy is the binding name the verdict came from.
	Policy string `json:"policy"`
	// Type is the registered policy type name.
	Type string `json:"type"`
	// Severity is the effective severity after the enforcement ceiling.
	Severity Severity `json:"severity"`
	// Reason is a human-readable explanation.
	Reason string `json:"reason,omitempty"`
}

// Target declares one (phase, action type) pair a policy wants to see.
type Target struct {
	Phase      Phase
	ActionType action.Type
}

// Request carries everything a policy check needs: the cluster the
// action operates on, the action itself (checks may mutate its Inputs
// during PRE and read its Outputs during POST), and the target registry
// for node lookups.
type Request struct {
	Cluster  *target.Cluster
	Action   *action.Action
	Registry target.Registry
}

// Policy is the interface all policies implement.
type Policy interface {
	// Name returns the binding-scoped instance name.
	Name() string
	// TypeName returns the registered policy type.
	TypeName() string
	// Targets lists the (phase, action type) pairs this policy handles.
	Targets() []Target
	// Validate checks the parsed spec for internal consistency.
	Validate() error
}

// PreChecker is implemented by policies that participate in the PRE
// phase.
type PreChecker interface {
	PreCheck(ctx context.Context, req *Request) (*Result, error)
}

// PostChecker is implemented by policies that participate in the POST
// phase.
type PostChecker interface {
	PostCheck(ctx context.Context, req *Request) (*Result, error)
}

// Handles reports whether p targets the given phase and action type.
func Handles(p Policy, phase Phase, t action.Type) bool {
	for _, tgt := range p.Targets() {
		if tgt.Phase == phase && tgt.ActionType == t {
			return true
		}
	}
	return false
}
