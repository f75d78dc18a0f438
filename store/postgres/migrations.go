package postgres

// migration is one ordered schema step; name doubles as the tracking
// key, so it must never change once shipped.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_create_actions",
		sql: `
			CREATE TABLE IF NOT EXISTS senlin_actions (
				id               TEXT PRIMARY KEY,
				name             TEXT NOT NULL DEFAULT '',
				type             TEXT NOT NULL,
				target_id        TEXT NOT NULL,
				target_kind      TEXT NOT NULL,
				cause            TEXT NOT NULL DEFAULT 'user',
				parent_id        TEXT,
				owner            TEXT,
				status           TEXT NOT NULL DEFAULT 'init',
				reason           TEXT NOT NULL DEFAULT '',
				inputs           JSONB NOT NULL DEFAULT '{}',
				outputs          JSONB NOT NULL DEFAULT '{}',
				run_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				started_at       TIMESTAMPTZ,
				ended_at         TIMESTAMPTZ,
				timeout          BIGINT NOT NULL DEFAULT 0,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				lock_retries     INTEGER NOT NULL DEFAULT 0,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_senlin_actions_claim
				ON senlin_actions (created_at ASC)
				WHERE status = 'waiting' AND owner IS NULL;

			CREATE INDEX IF NOT EXISTS idx_senlin_actions_target
				ON senlin_actions (target_id);

			CREATE INDEX IF NOT EXISTS idx_senlin_actions_parent
				ON senlin_actions (parent_id)
				WHERE parent_id IS NOT NULL;

			CREATE INDEX IF NOT EXISTS idx_senlin_actions_owner
				ON senlin_actions (owner)
				WHERE owner IS NOT NULL`,
	},
	{
		name: "002_create_locks",
		sql: `
			CREATE TABLE IF NOT EXISTS senlin_locks (
				target_id   TEXT PRIMARY KEY,
				action_id   TEXT NOT NULL,
				worker_id   TEXT NOT NULL,
				acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
	},
	{
		name: "003_create_clusters",
		sql: `
			CREATE TABLE IF NOT EXISTS senlin_clusters (
				id               TEXT PRIMARY KEY,
				name             TEXT NOT NULL,
				profile_id       TEXT,
				desired_capacity INTEGER NOT NULL DEFAULT 0,
				min_size         INTEGER NOT NULL DEFAULT 0,
				max_size         INTEGER NOT NULL DEFAULT 0,
				status           TEXT NOT NULL DEFAULT 'CREATING',
				status_reason    TEXT NOT NULL DEFAULT '',
				next_index       INTEGER NOT NULL DEFAULT 0,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
	},
	{
		name: "004_create_nodes",
		sql: `
			CREATE TABLE IF NOT EXISTS senlin_nodes (
				id              TEXT PRIMARY KEY,
				name            TEXT NOT NULL,
				cluster_id      TEXT,
				profile_id      TEXT,
				status          TEXT NOT NULL DEFAULT 'CREATING',
				status_reason   TEXT NOT NULL DEFAULT '',
				node_index      INTEGER NOT NULL DEFAULT 0,
				profile_version INTEGER NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_senlin_nodes_cluster
				ON senlin_nodes (cluster_id, node_index ASC)
				WHERE cluster_id IS NOT NULL`,
	},
	{
		name: "005_create_policy_bindings",
		sql: `
			CREATE TABLE IF NOT EXISTS senlin_policy_bindings (
				id                TEXT PRIMARY KEY,
				cluster_id        TEXT NOT NULL,
				name              TEXT NOT NULL,
				type              TEXT NOT NULL,
				level             TEXT NOT NULL DEFAULT 'CRITICAL',
				priority          INTEGER NOT NULL DEFAULT 0,
				enabled           BOOLEAN NOT NULL DEFAULT TRUE,
				cooldown          BIGINT NOT NULL DEFAULT 0,
				last_evaluated_at TIMESTAMPTZ,
				spec              BYTEA,
				created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (cluster_id, name)
			);

			CREATE INDEX IF NOT EXISTS idx_senlin_bindings_cluster
				ON senlin_policy_bindings (cluster_id, priority ASC, created_at ASC)`,
	},
	{
		name: "006_create_workers",
		sql: `
			CREATE TABLE IF NOT EXISTS senlin_workers (
				id         TEXT PRIMARY KEY,
				hostname   TEXT NOT NULL DEFAULT '',
				workers    INTEGER NOT NULL DEFAULT 0,
				state      TEXT NOT NULL DEFAULT 'active',
				last_seen  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_senlin_workers_stale
				ON senlin_workers (last_seen)
				WHERE state <> 'dead'`,
	},
}
