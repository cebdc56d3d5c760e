package database

import "context"

// EnsureSchema creates the tables the task repository reads and writes, if
// they don't already exist. It is idempotent and meant to run once at
// startup behind the distributed startup lock (internal/execution/glue's
// RunOnce) so a fleet of replicas starting together doesn't race on DDL.
// tasks is a local status mirror only: the wider task resource (sharing,
// membership, creation) is owned by the external typed data service and
// this plane never inserts into tasks itself, only updates it from the
// assistant subtask's terminal status.
func (db *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL DEFAULT '',
			user_id       TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			progress      INTEGER NOT NULL DEFAULT 0,
			result        JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			labels        JSONB,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at  TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS subtasks (
			id                 TEXT PRIMARY KEY,
			task_id            TEXT NOT NULL REFERENCES tasks(id),
			message_id         BIGINT NOT NULL,
			role               TEXT NOT NULL,
			status             TEXT NOT NULL DEFAULT 'pending',
			result             JSONB,
			progress           INTEGER NOT NULL DEFAULT 0,
			error_message      TEXT NOT NULL DEFAULT '',
			executor_name      TEXT NOT NULL DEFAULT '',
			executor_namespace TEXT NOT NULL DEFAULT '',
			prompt             TEXT NOT NULL DEFAULT '',
			parent_id          BIGINT NOT NULL DEFAULT 0,
			metadata           JSONB,
			bot_ids            TEXT[],
			team_id            TEXT NOT NULL DEFAULT '',
			user_id            TEXT NOT NULL DEFAULT '',
			shell_type         TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at       TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task_id ON subtasks(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task_id_message_id ON subtasks(task_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_executor_name ON subtasks(executor_name) WHERE executor_name <> ''`,
		`CREATE TABLE IF NOT EXISTS background_executions (
			subtask_id TEXT PRIMARY KEY REFERENCES subtasks(id),
			status     TEXT NOT NULL DEFAULT 'running',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
