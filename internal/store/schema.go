package store

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

const schema = `
-- Full game-state snapshots, versioned per game
CREATE TABLE IF NOT EXISTS snapshots (
    id             TEXT PRIMARY KEY,
    game_id        TEXT NOT NULL,
    local_version  INTEGER NOT NULL,
    server_version INTEGER NOT NULL DEFAULT 0,
    game_state     JSON NOT NULL,
    user_id        TEXT DEFAULT '',
    timestamp      DATETIME NOT NULL,
    dirty          INTEGER NOT NULL DEFAULT 0,
    sync_status    TEXT NOT NULL DEFAULT 'pending',
    UNIQUE(game_id, local_version)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_game ON snapshots(game_id, local_version DESC);

-- Append-only event log
CREATE TABLE IF NOT EXISTS events (
    id             TEXT PRIMARY KEY,
    game_id        TEXT NOT NULL,
    action_type    TEXT NOT NULL,
    payload        JSON NOT NULL,
    timestamp      DATETIME NOT NULL,
    local_version  INTEGER NOT NULL,
    user_id        TEXT DEFAULT '',
    client_id      TEXT NOT NULL,
    acknowledged   INTEGER NOT NULL DEFAULT 0,
    server_version INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_game_time ON events(game_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_pending ON events(game_id, acknowledged);

-- Per-game sync bookkeeping
CREATE TABLE IF NOT EXISTS sync_metadata (
    game_id              TEXT PRIMARY KEY,
    last_synced_version  INTEGER NOT NULL DEFAULT 0,
    last_server_ack      DATETIME,
    sync_status          TEXT NOT NULL DEFAULT 'synced',
    pending_events_count INTEGER NOT NULL DEFAULT 0,
    last_attempt_at      DATETIME,
    next_retry_at        DATETIME,
    retry_count          INTEGER NOT NULL DEFAULT 0,
    last_error           TEXT,
    has_conflict         INTEGER NOT NULL DEFAULT 0,
    storage_used         INTEGER NOT NULL DEFAULT 0
);

-- Single-row device identity
CREATE TABLE IF NOT EXISTS client_identity (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    client_id  TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

-- Record of resolved (and unresolved) version conflicts
CREATE TABLE IF NOT EXISTS conflict_log (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    game_id        TEXT NOT NULL,
    strategy       TEXT NOT NULL,
    local_version  INTEGER NOT NULL,
    server_version INTEGER NOT NULL,
    local_state    JSON,
    remote_state   JSON,
    resolved_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_log_game ON conflict_log(game_id, resolved_at DESC);

-- Schema metadata
CREATE TABLE IF NOT EXISTS schema_info (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// migrate brings an older database up to the current schema version.
// Version 1 is the baseline; this is where future column additions go.
func (s *Store) migrate() error {
	var version string
	err := s.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&version)
	if err != nil {
		// Missing row or missing table: stamp the baseline.
		if _, err := s.conn.Exec(schema); err != nil {
			return err
		}
		_, err = s.conn.Exec(
			`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, SchemaVersion)
		return err
	}
	return nil
}
