package repo

import (
	"context"
	"database/sql"
)

// EnsurePostgresSchema creates the reminders table and indexes if missing.
// Called once at boot; safe to run concurrently from multiple workers.
func EnsurePostgresSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reminders (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			message          TEXT NOT NULL,
			phone_number     TEXT NOT NULL,
			timezone         TEXT NOT NULL,
			scheduled_time   TIMESTAMPTZ NOT NULL,
			next_attempt_at  TIMESTAMPTZ NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			attempt_count    INT NOT NULL DEFAULT 0,
			last_error       TEXT,
			lease_holder     TEXT,
			lease_expires_at TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ,
			provider_ref     TEXT,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS reminders_due_idx
			ON reminders (next_attempt_at ASC) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS reminders_status_idx
			ON reminders (status);
	`)
	return err
}
