package store

// migrations are applied in order; index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE queries (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		question     TEXT NOT NULL,
		status       TEXT NOT NULL,
		step         TEXT NOT NULL DEFAULT '',
		sql_text     TEXT NOT NULL DEFAULT '',
		summary      TEXT NOT NULL DEFAULT '',
		row_count    INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		failed_step  TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		started_at   TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_queries_session ON queries(session_id, created_at);
	CREATE TABLE task_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_task_events_task ON task_events(task_id, created_at);`,

	`ALTER TABLE task_events ADD COLUMN step TEXT NOT NULL DEFAULT '';`,
}
