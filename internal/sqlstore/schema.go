package sqlstore

// All timestamps are UTC epoch nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id                TEXT    PRIMARY KEY,
		name              TEXT    NOT NULL,
		type              TEXT    NOT NULL,
		priority          INTEGER NOT NULL,
		original_priority INTEGER NOT NULL,
		boost_count       INTEGER NOT NULL DEFAULT 0,
		state             TEXT    NOT NULL,
		worker_id         TEXT    NULL,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		max_retries       INTEGER NOT NULL,
		trace_id          TEXT    NOT NULL,
		payload           TEXT    NOT NULL DEFAULT '',
		metadata_json     TEXT    NOT NULL DEFAULT '{}',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL,
		started_at        INTEGER NULL,
		completed_at      INTEGER NULL,
		result            TEXT    NULL,
		error             TEXT    NULL,
		CHECK ((worker_id IS NOT NULL) = (state = 'RUNNING'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, priority, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS task_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT    NOT NULL,
		trace_id   TEXT    NOT NULL,
		from_state TEXT    NOT NULL,
		to_state   TEXT    NOT NULL,
		actor      TEXT    NOT NULL,
		reason     TEXT    NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id)`,
	`CREATE TRIGGER IF NOT EXISTS task_events_no_update BEFORE UPDATE ON task_events
	BEGIN SELECT RAISE(ABORT, 'task_events is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS task_events_no_delete BEFORE DELETE ON task_events
	BEGIN SELECT RAISE(ABORT, 'task_events is append-only'); END`,
	`CREATE TABLE IF NOT EXISTS breakers (
		worker           TEXT    PRIMARY KEY,
		state            TEXT    NOT NULL,
		failures         INTEGER NOT NULL DEFAULT 0,
		last_failure     INTEGER NOT NULL DEFAULT 0,
		last_success     INTEGER NOT NULL DEFAULT 0,
		opens            INTEGER NOT NULL DEFAULT 0,
		opened_at        INTEGER NOT NULL DEFAULT 0,
		trial_in_flight  INTEGER NOT NULL DEFAULT 0,
		trial_started_at INTEGER NOT NULL DEFAULT 0,
		version          INTEGER NOT NULL DEFAULT 0,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auth_tokens (
		token_hash     TEXT    PRIMARY KEY,
		user_id        TEXT    NOT NULL,
		created_at     INTEGER NOT NULL,
		expires_at     INTEGER NOT NULL,
		last_used_at   INTEGER NULL,
		revoked        INTEGER NOT NULL DEFAULT 0,
		revoked_at     INTEGER NULL,
		revoked_reason TEXT    NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_tokens_user ON auth_tokens(user_id)`,
	`CREATE TABLE IF NOT EXISTS auth_audit (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		event      TEXT    NOT NULL,
		user_id    TEXT    NOT NULL DEFAULT '',
		task_id    TEXT    NOT NULL DEFAULT '',
		trace_id   TEXT    NOT NULL DEFAULT '',
		source     TEXT    NOT NULL DEFAULT '',
		outcome    TEXT    NOT NULL,
		detail     TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_audit_task ON auth_audit(task_id, id)`,
	`CREATE TABLE IF NOT EXISTS auth_failures (
		source       TEXT    PRIMARY KEY,
		failures     INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL DEFAULT 0,
		locked_until INTEGER NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE TRIGGER IF NOT EXISTS auth_audit_no_update BEFORE UPDATE ON auth_audit
	BEGIN SELECT RAISE(ABORT, 'auth_audit is append-only'); END`,
}
