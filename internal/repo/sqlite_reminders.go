package repo

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zkovari/callreminder/internal/model"
)

// SQLiteReminderRepo stores reminders in a single SQLite file. The claim is a
// single UPDATE ... RETURNING statement, which SQLite executes atomically, so
// two workers sharing the file cannot lease the same row. Times are stored as
// unix milliseconds.
type SQLiteReminderRepo struct {
	db *sql.DB
}

func NewSQLiteReminderRepo(db *sql.DB) *SQLiteReminderRepo {
	return &SQLiteReminderRepo{db: db}
}

// OpenSQLite opens the database with WAL journaling, immediate transaction
// locking and a busy timeout, and ensures the schema exists.
func OpenSQLite(ctx context.Context, file string) (*sql.DB, error) {
	qs := url.Values{
		"_txlock": []string{"immediate"},
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(2000)",
		},
	}
	db, err := sql.Open("sqlite", "file:"+file+"?"+qs.Encode())
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reminders (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			message          TEXT NOT NULL,
			phone_number     TEXT NOT NULL,
			timezone         TEXT NOT NULL,
			scheduled_time   INTEGER NOT NULL,
			next_attempt_at  INTEGER NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT,
			lease_holder     TEXT,
			lease_expires_at INTEGER,
			completed_at     INTEGER,
			provider_ref     TEXT,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS next_attempt_at_idx ON reminders (next_attempt_at ASC);
		CREATE INDEX IF NOT EXISTS status_idx ON reminders (status);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const sqliteReminderColumns = `id, title, message, phone_number, timezone,
	scheduled_time, next_attempt_at, status, attempt_count, last_error,
	lease_holder, lease_expires_at, completed_at, provider_ref,
	created_at, updated_at`

func (r *SQLiteReminderRepo) Create(ctx context.Context, rem *model.Reminder) error {
	if rem.ID == "" {
		rem.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	rem.Status = model.Pending
	rem.NextAttemptAt = rem.ScheduledTime
	rem.CreatedAt = now
	rem.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reminders (id, title, message, phone_number, timezone,
			scheduled_time, next_attempt_at, status, attempt_count,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, rem.ID, rem.Title, rem.Message, rem.PhoneNumber, rem.Timezone,
		toMillis(rem.ScheduledTime), toMillis(rem.NextAttemptAt),
		string(rem.Status), toMillis(now), toMillis(now))
	return err
}

func (r *SQLiteReminderRepo) Get(ctx context.Context, id string) (*model.Reminder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteReminderColumns+` FROM reminders WHERE id = ?`, id)
	rem, err := scanSQLiteReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rem, nil
}

func (r *SQLiteReminderRepo) List(ctx context.Context, status *model.Status, limit, offset int) ([]model.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + sqliteReminderColumns + ` FROM reminders`
	args := []any{}
	if status != nil {
		q += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	q += ` ORDER BY scheduled_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		rem, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rem)
	}
	return out, rows.Err()
}

func (r *SQLiteReminderRepo) Update(ctx context.Context, id string, patch Patch) (*model.Reminder, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sqliteReminderColumns+` FROM reminders WHERE id = ?`, id)
	rem, err := scanSQLiteReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if rem.Status.Terminal() || rem.Claimed(now) {
		return nil, model.ErrConflict
	}

	applyPatch(rem, patch, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE reminders
		SET title = ?, message = ?, phone_number = ?, timezone = ?,
		    scheduled_time = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, rem.Title, rem.Message, rem.PhoneNumber, rem.Timezone,
		toMillis(rem.ScheduledTime), toMillis(rem.NextAttemptAt),
		toMillis(rem.UpdatedAt), rem.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rem, nil
}

func (r *SQLiteReminderRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return err
}

func (r *SQLiteReminderRepo) ClaimDue(ctx context.Context, holder string, now time.Time, limit int, lease time.Duration) ([]model.Reminder, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	nowMs := toMillis(now)
	rows, err := r.db.QueryContext(ctx, `
		UPDATE reminders
		SET lease_holder = ?, lease_expires_at = ?,
		    attempt_count = attempt_count + 1, updated_at = ?
		WHERE id IN (
			SELECT id
			FROM reminders
			WHERE status = 'pending'
			  AND next_attempt_at <= ?
			  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+sqliteReminderColumns,
		holder, toMillis(now.Add(lease)), nowMs, nowMs, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []model.Reminder
	for rows.Next() {
		rem, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *rem)
	}
	return claimed, rows.Err()
}

func (r *SQLiteReminderRepo) MarkCompleted(ctx context.Context, id, holder, providerRef string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'completed',
		    completed_at = ?,
		    provider_ref = ?,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND lease_holder = ? AND status = 'pending'
	`, toMillis(at), nullString(providerRef), toMillis(at), id, holder)
	return err
}

func (r *SQLiteReminderRepo) MarkRetry(ctx context.Context, id, holder string, nextAttemptAt time.Time, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET next_attempt_at = ?,
		    last_error = ?,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND lease_holder = ? AND status = 'pending'
	`, toMillis(nextAttemptAt), reason, toMillis(time.Now().UTC()), id, holder)
	return err
}

func (r *SQLiteReminderRepo) MarkFailed(ctx context.Context, id, holder, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'failed',
		    last_error = ?,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND lease_holder = ? AND status = 'pending'
	`, reason, toMillis(time.Now().UTC()), id, holder)
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func scanSQLiteReminder(row rowScanner) (*model.Reminder, error) {
	var (
		rem       model.Reminder
		status    string
		schedMs   int64
		nextMs    int64
		createdMs int64
		updatedMs int64
		lastErr   sql.NullString
		holder    sql.NullString
		leaseMs   sql.NullInt64
		doneMs    sql.NullInt64
		ref       sql.NullString
	)
	err := row.Scan(
		&rem.ID,
		&rem.Title,
		&rem.Message,
		&rem.PhoneNumber,
		&rem.Timezone,
		&schedMs,
		&nextMs,
		&status,
		&rem.AttemptCount,
		&lastErr,
		&holder,
		&leaseMs,
		&doneMs,
		&ref,
		&createdMs,
		&updatedMs,
	)
	if err != nil {
		return nil, err
	}

	rem.Status = model.Status(status)
	rem.ScheduledTime = fromMillis(schedMs)
	rem.NextAttemptAt = fromMillis(nextMs)
	rem.CreatedAt = fromMillis(createdMs)
	rem.UpdatedAt = fromMillis(updatedMs)
	if lastErr.Valid {
		s := lastErr.String
		rem.LastError = &s
	}
	if holder.Valid {
		s := holder.String
		rem.LeaseHolder = &s
	}
	if leaseMs.Valid {
		t := fromMillis(leaseMs.Int64)
		rem.LeaseExpiresAt = &t
	}
	if doneMs.Valid {
		t := fromMillis(doneMs.Int64)
		rem.CompletedAt = &t
	}
	if ref.Valid {
		s := ref.String
		rem.ProviderRef = &s
	}
	return &rem, nil
}

var (
	_ ReminderRepository = (*SQLiteReminderRepo)(nil)
	_ ReminderRepository = (*PostgresReminderRepo)(nil)
)
