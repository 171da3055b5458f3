package sqlite

// SchemaDDL defines the SQLite schema for the execution store.
// Tables: executions, waits, events, memory_entries, memory_groups,
// session_bots.
const SchemaDDL = `
-- One row per script run; cursors and variables are JSON documents
CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    script_name TEXT NOT NULL,
    script_source TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    variables TEXT NOT NULL DEFAULT '{}',
    cursors TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

-- Open suspensions; closed waits are deleted
CREATE TABLE IF NOT EXISTS waits (
    execution_id TEXT NOT NULL,
    name TEXT NOT NULL,
    event TEXT NOT NULL DEFAULT '',
    cursor_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    deadline TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    input_type TEXT NOT NULL DEFAULT '',
    options TEXT NOT NULL DEFAULT '[]',
    approver TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT 'null',
    created_at TEXT NOT NULL,
    PRIMARY KEY (execution_id, name)
);

-- Published events
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT 'null',
    processed INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

-- Shared memory: own writes have shared_from = ''
CREATE TABLE IF NOT EXISTS memory_entries (
    owner TEXT NOT NULL,
    key TEXT NOT NULL,
    shared_from TEXT NOT NULL DEFAULT '',
    value TEXT NOT NULL DEFAULT 'null',
    shared_with TEXT NOT NULL DEFAULT '[]',
    updated_at TEXT NOT NULL,
    PRIMARY KEY (owner, key, shared_from)
);

-- Group memberships for group-targeted shares
CREATE TABLE IF NOT EXISTS memory_groups (
    bot TEXT NOT NULL,
    group_name TEXT NOT NULL,
    joined_at TEXT NOT NULL,
    PRIMARY KEY (bot, group_name)
);

-- Bots active within a conversation session
CREATE TABLE IF NOT EXISTS session_bots (
    session_id TEXT NOT NULL,
    bot_name TEXT NOT NULL,
    bot TEXT NOT NULL,
    trigger_override TEXT NOT NULL DEFAULT 'null',
    priority INTEGER NOT NULL DEFAULT 0,
    joined_at TEXT NOT NULL,
    left_at TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (session_id, bot_name)
);
`

// MigrateExecutionReason adds the reason column to executions tables
// created before failures carried a human-readable reason.
const MigrateExecutionReason = `ALTER TABLE executions ADD COLUMN reason TEXT NOT NULL DEFAULT ''`

// MigrateWaitApprover adds the approver column to waits tables created
// before approval waits recorded their addressee.
const MigrateWaitApprover = `ALTER TABLE waits ADD COLUMN approver TEXT NOT NULL DEFAULT ''`

// MigrateWaitEvent adds the event column to waits tables created before
// event waits stored the awaited event apart from their key.
const MigrateWaitEvent = `ALTER TABLE waits ADD COLUMN event TEXT NOT NULL DEFAULT ''`
