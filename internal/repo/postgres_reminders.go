package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zkovari/callreminder/internal/model"
)

// PostgresReminderRepo stores reminders in Postgres. Claiming relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never block on, or double-claim,
// the same rows.
type PostgresReminderRepo struct {
	db *sql.DB
}

func NewPostgresReminderRepo(db *sql.DB) *PostgresReminderRepo {
	return &PostgresReminderRepo{db: db}
}

const pgReminderColumns = `id, title, message, phone_number, timezone,
	scheduled_time, next_attempt_at, status, attempt_count, last_error,
	lease_holder, lease_expires_at, completed_at, provider_ref,
	created_at, updated_at`

func (r *PostgresReminderRepo) Create(ctx context.Context, rem *model.Reminder) error {
	if rem.ID == "" {
		rem.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rem.Status = model.Pending
	rem.NextAttemptAt = rem.ScheduledTime
	rem.CreatedAt = now
	rem.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reminders (id, title, message, phone_number, timezone,
			scheduled_time, next_attempt_at, status, attempt_count,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
	`, rem.ID, rem.Title, rem.Message, rem.PhoneNumber, rem.Timezone,
		rem.ScheduledTime, rem.NextAttemptAt, string(rem.Status), now)
	return err
}

func (r *PostgresReminderRepo) Get(ctx context.Context, id string) (*model.Reminder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pgReminderColumns+` FROM reminders WHERE id = $1`, id)
	rem, err := scanPgReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rem, nil
}

func (r *PostgresReminderRepo) List(ctx context.Context, status *model.Status, limit, offset int) ([]model.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + pgReminderColumns + ` FROM reminders`
	args := []any{}
	if status != nil {
		q += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	q += fmt.Sprintf(` ORDER BY scheduled_time DESC, id DESC LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		rem, err := scanPgReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rem)
	}
	return out, rows.Err()
}

func (r *PostgresReminderRepo) Update(ctx context.Context, id string, patch Patch) (*model.Reminder, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+pgReminderColumns+` FROM reminders WHERE id = $1 FOR UPDATE`, id)
	rem, err := scanPgReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if rem.Status.Terminal() || rem.Claimed(now) {
		return nil, model.ErrConflict
	}

	applyPatch(rem, patch, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE reminders
		SET title = $2, message = $3, phone_number = $4, timezone = $5,
		    scheduled_time = $6, next_attempt_at = $7, updated_at = $8
		WHERE id = $1
	`, rem.ID, rem.Title, rem.Message, rem.PhoneNumber, rem.Timezone,
		rem.ScheduledTime, rem.NextAttemptAt, rem.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rem, nil
}

func (r *PostgresReminderRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	return err
}

func (r *PostgresReminderRepo) ClaimDue(ctx context.Context, holder string, now time.Time, limit int, lease time.Duration) ([]model.Reminder, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+pgReminderColumns+`
		FROM reminders
		WHERE status = 'pending'
		  AND next_attempt_at <= $1
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY next_attempt_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []model.Reminder
	for rows.Next() {
		rem, err := scanPgReminder(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *rem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(claimed) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	expiry := now.Add(lease)
	for _, rem := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE reminders
			SET lease_holder = $2, lease_expires_at = $3,
			    attempt_count = attempt_count + 1, updated_at = $4
			WHERE id = $1
		`, rem.ID, holder, expiry, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].LeaseHolder = &holder
		e := expiry
		claimed[i].LeaseExpiresAt = &e
		claimed[i].AttemptCount++
		claimed[i].UpdatedAt = now
	}
	return claimed, nil
}

func (r *PostgresReminderRepo) MarkCompleted(ctx context.Context, id, holder, providerRef string, at time.Time) error {
	// Zero rows means the record is gone or the lease was lost; both are
	// no-ops by design.
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'completed',
		    completed_at = $3,
		    provider_ref = $4,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND lease_holder = $2 AND status = 'pending'
	`, id, holder, at.UTC(), nullString(providerRef))
	return err
}

func (r *PostgresReminderRepo) MarkRetry(ctx context.Context, id, holder string, nextAttemptAt time.Time, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET next_attempt_at = $3,
		    last_error = $4,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = $5
		WHERE id = $1 AND lease_holder = $2 AND status = 'pending'
	`, id, holder, nextAttemptAt.UTC(), reason, time.Now().UTC())
	return err
}

func (r *PostgresReminderRepo) MarkFailed(ctx context.Context, id, holder, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'failed',
		    last_error = $3,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND lease_holder = $2 AND status = 'pending'
	`, id, holder, reason, time.Now().UTC())
	return err
}

func applyPatch(rem *model.Reminder, patch Patch, now time.Time) {
	if patch.Title != nil {
		rem.Title = *patch.Title
	}
	if patch.Message != nil {
		rem.Message = *patch.Message
	}
	if patch.PhoneNumber != nil {
		rem.PhoneNumber = *patch.PhoneNumber
	}
	if patch.Timezone != nil {
		rem.Timezone = *patch.Timezone
	}
	if patch.ScheduledTime != nil {
		rem.ScheduledTime = patch.ScheduledTime.UTC()
		// Rescheduling supersedes any retry backoff in effect.
		rem.NextAttemptAt = rem.ScheduledTime
	}
	rem.UpdatedAt = now
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgReminder(row rowScanner) (*model.Reminder, error) {
	var (
		rem     model.Reminder
		status  string
		lastErr sql.NullString
		holder  sql.NullString
		leaseAt sql.NullTime
		doneAt  sql.NullTime
		ref     sql.NullString
	)
	err := row.Scan(
		&rem.ID,
		&rem.Title,
		&rem.Message,
		&rem.PhoneNumber,
		&rem.Timezone,
		&rem.ScheduledTime,
		&rem.NextAttemptAt,
		&status,
		&rem.AttemptCount,
		&lastErr,
		&holder,
		&leaseAt,
		&doneAt,
		&ref,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rem.Status = model.Status(status)
	if lastErr.Valid {
		s := lastErr.String
		rem.LastError = &s
	}
	if holder.Valid {
		s := holder.String
		rem.LeaseHolder = &s
	}
	if leaseAt.Valid {
		t := leaseAt.Time.UTC()
		rem.LeaseExpiresAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time.UTC()
		rem.CompletedAt = &t
	}
	if ref.Valid {
		s := ref.String
		rem.ProviderRef = &s
	}
	return &rem, nil
}
