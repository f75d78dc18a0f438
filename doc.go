// Package senlin is the control-plane engine of a cluster-lifecycle
// manager. It accepts actions against clusters and their member nodes
// (scale out/in, add/remove/delete nodes, health checks), serializes
// execution per target through an atomic action lock, and runs every
// action through an ordered chain of attachable policies that may mutate,
// veto, or delay it.
//
// Senlin is designed as a library, not a service. Import it, configure a
// store, attach policies to clusters, and submit actions.
//
// # Quick Start
//
//	d, err := senlin.New(
//	    senlin.WithStore(memory.New()),
//	    senlin.WithWorkers(8),
//	)
//
// Then wire the subsystems with engine.Build and submit actions through
// the returned Engine.
//
// # Architecture
//
// Senlin follows a composable store pattern where each subsystem (action,
// lock, target, policy, fleet) defines its own store interface. A single
// backend implements all of them; the lock store may additionally be
// swapped for a Redis-backed one.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package senlin
