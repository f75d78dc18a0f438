// Package lock implements per-target mutual exclusion for action
// execution. A Lock associates a target (cluster or node) with the single
// action currently allowed to mutate it; the Store contract requires
// acquisition to be an atomic test-and-set so no two workers can both
// observe an unlocked target.
//
// The Manager layers ownership checks, idempotent re-acquisition, forced
// acquisition against dead workers, and administrative stealing on top of
// the raw store.
package lock
