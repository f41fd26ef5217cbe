package repo

import (
	"context"
	"time"

	"github.com/zkovari/callreminder/internal/model"
)

// Patch carries the fields an update may change. Nil fields are left as-is.
// ScheduledTime must already be a normalized UTC instant.
type Patch struct {
	Title         *string
	Message       *string
	PhoneNumber   *string
	Timezone      *string
	ScheduledTime *time.Time
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Message == nil && p.PhoneNumber == nil &&
		p.Timezone == nil && p.ScheduledTime == nil
}

// ReminderRepository is the single source of truth shared by API and dispatch
// workers. Workers coordinate exclusively through ClaimDue's lease semantics;
// there is no worker-to-worker communication.
type ReminderRepository interface {
	// Create persists a new pending reminder. A missing ID is filled in.
	Create(ctx context.Context, r *model.Reminder) error

	// Get returns model.ErrNotFound when the id does not exist.
	Get(ctx context.Context, id string) (*model.Reminder, error)

	// List returns reminders ordered by scheduled time (newest first, ties by
	// id), optionally filtered by status.
	List(ctx context.Context, status *model.Status, limit, offset int) ([]model.Reminder, error)

	// Update mutates a reminder that is pending and unclaimed. The check and
	// the write happen in one transaction; a claimed or terminal reminder
	// yields model.ErrConflict, a missing one model.ErrNotFound.
	Update(ctx context.Context, id string, patch Patch) (*model.Reminder, error)

	// Delete is idempotent; deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// ClaimDue atomically leases up to limit due pending reminders for holder,
	// earliest due first. A reminder is due when its next attempt time has
	// passed and no unexpired lease exists. Claiming starts a dispatch
	// attempt, so attempt_count is incremented as part of the same write.
	ClaimDue(ctx context.Context, holder string, now time.Time, limit int, lease time.Duration) ([]model.Reminder, error)

	// MarkCompleted finishes a claimed reminder successfully. A record that no
	// longer exists or a lease held by someone else is a silent no-op.
	MarkCompleted(ctx context.Context, id, holder, providerRef string, at time.Time) error

	// MarkRetry releases the claim after a transient failure, keeping the
	// reminder pending and due again at nextAttemptAt.
	MarkRetry(ctx context.Context, id, holder string, nextAttemptAt time.Time, reason string) error

	// MarkFailed finishes a claimed reminder in the terminal failed state.
	MarkFailed(ctx context.Context, id, holder, reason string) error
}
