package store

import (
	"context"
	"fmt"
)

// initSchema creates all required tables if they don't exist. The DDL
// sticks to types both SQLite and Postgres accept, executed one
// statement at a time because pgx rejects multi-statement strings. All
// timestamp columns are UTC epoch milliseconds.
func (s *SQLStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			scheduled_at BIGINT,
			recurrence_rule TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			reminder_sent_at BIGINT,
			secondary_sent_at BIGINT,
			call_sent_at BIGINT,
			completed_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_scheduled ON tasks(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_scheduled ON tasks(user_id, scheduled_at)`,
		`CREATE TABLE IF NOT EXISTS dispatch_log (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			dispatched_at BIGINT,
			last_attempt_at BIGINT,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_log_status_created ON dispatch_log(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_log_task ON dispatch_log(task_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
