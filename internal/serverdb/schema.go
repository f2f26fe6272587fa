package serverdb

// ServerSchemaVersion is the current server database schema version
const ServerSchemaVersion = 4

// Timestamps are TEXT in timeLayout so that lexical order is time order.
const serverSchema = `
-- Users table
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    timezone TEXT NOT NULL DEFAULT 'UTC',
    day_cutoff_hour INTEGER NOT NULL DEFAULT 0 CHECK(day_cutoff_hour BETWEEN 0 AND 23),
    current_streak INTEGER NOT NULL DEFAULT 0 CHECK(current_streak >= 0),
    best_streak INTEGER NOT NULL DEFAULT 0 CHECK(best_streak >= current_streak),
    last_active_date TEXT,
    last_sync_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- API keys table
CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    key_hash TEXT UNIQUE NOT NULL,
    key_prefix TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    expires_at TEXT,
    last_used_at TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

-- Blocks group tasks
CREATE TABLE IF NOT EXISTS blocks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    sort_order INTEGER NOT NULL DEFAULT 0,
    weekdays TEXT NOT NULL DEFAULT '[0,1,2,3,4,5,6]',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
);

-- Tasks: recurring loops or one-offs. block_id is a non-owning reference.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    block_id TEXT,
    title TEXT NOT NULL,
    is_one_off INTEGER NOT NULL DEFAULT 0,
    due_date TEXT,
    weekdays TEXT NOT NULL DEFAULT '[1,2,3,4,5]',
    skip_days INTEGER NOT NULL DEFAULT 0,
    reset_days INTEGER NOT NULL DEFAULT 0,
    sort_order INTEGER NOT NULL DEFAULT 0,
    archived_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT,
    FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
);

-- Task instances are created lazily, one per (task, date)
CREATE TABLE IF NOT EXISTS task_instances (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    date TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING', 'COMPLETED', 'SKIPPED', 'MISSED')),
    completed_at TEXT,
    notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(task_id, date),
    FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
);

-- Schema info table
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);
CREATE INDEX IF NOT EXISTS idx_blocks_owner ON blocks(owner_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_tasks_block ON tasks(block_id);
CREATE INDEX IF NOT EXISTS idx_instances_owner ON task_instances(owner_id, updated_at);
`

// Migration defines a server database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all server database migrations in order
var Migrations = []Migration{
	// Version 1 is the initial schema - no migration needed
	{
		Version:     2,
		Description: "Add owner/date index for day aggregation and tombstone indexes",
		SQL: `CREATE INDEX IF NOT EXISTS idx_instances_owner_date ON task_instances(owner_id, date);
		CREATE INDEX IF NOT EXISTS idx_blocks_deleted ON blocks(deleted_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted_at);`,
	},
	{
		Version:     3,
		Description: "Add rate_limit_events table",
		SQL: `CREATE TABLE IF NOT EXISTS rate_limit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_id TEXT,
			ip TEXT NOT NULL,
			endpoint_class TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rate_limit_events_created ON rate_limit_events(created_at);
		CREATE INDEX IF NOT EXISTS idx_rate_limit_events_key ON rate_limit_events(key_id, created_at);`,
	},
	{
		Version:     4,
		Description: "Add deleted_instances log for instance tombstones",
		SQL: `CREATE TABLE IF NOT EXISTS deleted_instances (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			date TEXT NOT NULL,
			deleted_at TEXT NOT NULL,
			FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_deleted_instances_owner ON deleted_instances(owner_id, deleted_at);`,
	},
}
