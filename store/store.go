// Package store defines the aggregate persistence interface. Each
// subsystem (action, lock, target, policy, fleet) defines its own store
// interface. The composite Store composes them all. Backends: Postgres,
// Redis (locks only), and Memory.
package store

import (
	"context"

	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/fleet"
	"github.com/qizha/senlin/lock"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/target"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// implements all of them, or the engine mixes backends (e.g. Postgres
// records with a Redis lock table).
type Store interface {
	action.Store
	lock.Store
	target.Registry
	policy.Store
	fleet.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
