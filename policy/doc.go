// Package policy implements the pluggable decision pipeline that runs
// around action execution.
//
// A policy inspects an action before it runs (PRE phase) and can mutate
// its inputs or veto it, and again after it runs (POST phase) to record
// consequences. Policies are attached to clusters through bindings; a
// binding carries the policy spec, a priority that orders evaluation,
// and an enforcement level that caps how severe the policy's verdict is
// allowed to be.
//
// The [Engine] evaluates all bindings for a cluster at a given phase in
// priority order and short-circuits on the first effective CRITICAL
// result. Concrete policies live in subpackages (deletion, scaling,
// health, loadbalance) and register themselves with a [Registry].
package policy
