package repo

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zkovari/callreminder/internal/model"
)

func newTestRepo(t *testing.T) *SQLiteReminderRepo {
	t.Helper()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "reminders.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return NewSQLiteReminderRepo(db)
}

func createReminder(t *testing.T, r *SQLiteReminderRepo, scheduled time.Time) *model.Reminder {
	t.Helper()

	rem := &model.Reminder{
		Title:         "Dentist",
		Message:       "Your appointment is at 3pm.",
		PhoneNumber:   "+36201234567",
		Timezone:      "Europe/Budapest",
		ScheduledTime: scheduled,
	}
	if err := r.Create(context.Background(), rem); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return rem
}

func TestSQLiteRepo_CreateAndGet(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	sched := time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)
	created := createReminder(t, r, sched)

	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if created.Status != model.Pending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	got, err := r.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.ScheduledTime.Equal(sched) {
		t.Fatalf("expected scheduled_time %v, got %v", sched, got.ScheduledTime)
	}
	if !got.NextAttemptAt.Equal(sched) {
		t.Fatalf("expected next_attempt_at = scheduled_time, got %v", got.NextAttemptAt)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("expected attempt_count 0, got %d", got.AttemptCount)
	}
}

func TestSQLiteRepo_GetMissing(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepo_ListFilterAndOrder(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)

	early := createReminder(t, r, base)
	late := createReminder(t, r, base.Add(time.Hour))

	all, err := r.List(ctx, nil, 0, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 reminders, got %d", len(all))
	}
	if all[0].ID != late.ID || all[1].ID != early.ID {
		t.Fatalf("expected newest schedule first, got %s then %s", all[0].ID, all[1].ID)
	}

	pending := model.Pending
	got, err := r.List(ctx, &pending, 0, 0)
	if err != nil {
		t.Fatalf("List(pending) error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(got))
	}

	completed := model.Completed
	got, err = r.List(ctx, &completed, 0, 0)
	if err != nil {
		t.Fatalf("List(completed) error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 completed, got %d", len(got))
	}
}

func TestSQLiteRepo_Update(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	rem := createReminder(t, r, time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC))

	title := "Dentist moved"
	newTime := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	got, err := r.Update(ctx, rem.ID, Patch{Title: &title, ScheduledTime: &newTime})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got.Title != title {
		t.Fatalf("expected title %q, got %q", title, got.Title)
	}
	if !got.ScheduledTime.Equal(newTime) {
		t.Fatalf("expected scheduled_time %v, got %v", newTime, got.ScheduledTime)
	}
	if !got.NextAttemptAt.Equal(newTime) {
		t.Fatalf("rescheduling must reset next_attempt_at, got %v", got.NextAttemptAt)
	}
}

func TestSQLiteRepo_UpdateMissing(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	title := "x"
	if _, err := r.Update(context.Background(), "nope", Patch{Title: &title}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepo_UpdateClaimedConflicts(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rem := createReminder(t, r, now.Add(-time.Minute))

	claimed, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}

	title := "x"
	if _, err := r.Update(ctx, rem.ID, Patch{Title: &title}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict on claimed reminder, got %v", err)
	}
}

func TestSQLiteRepo_UpdateTerminalConflicts(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, terminal := range []model.Status{model.Completed, model.Failed} {
		rem := createReminder(t, r, now.Add(-time.Minute))

		if _, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute); err != nil {
			t.Fatalf("ClaimDue() error: %v", err)
		}
		if terminal == model.Completed {
			if err := r.MarkCompleted(ctx, rem.ID, "worker-1", "call-1", now); err != nil {
				t.Fatalf("MarkCompleted() error: %v", err)
			}
		} else {
			if err := r.MarkFailed(ctx, rem.ID, "worker-1", "provider rejected"); err != nil {
				t.Fatalf("MarkFailed() error: %v", err)
			}
		}

		title := "x"
		if _, err := r.Update(ctx, rem.ID, Patch{Title: &title}); !errors.Is(err, model.ErrConflict) {
			t.Fatalf("expected ErrConflict on %s reminder, got %v", terminal, err)
		}
	}
}

func TestSQLiteRepo_DeleteIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	rem := createReminder(t, r, time.Now().UTC())

	if err := r.Delete(ctx, rem.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := r.Delete(ctx, rem.ID); err != nil {
		t.Fatalf("second Delete() error: %v", err)
	}
	if err := r.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete(absent) error: %v", err)
	}
}

func TestSQLiteRepo_ClaimDue_OnlyDueAndOrdered(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	second := createReminder(t, r, now.Add(-time.Minute))
	first := createReminder(t, r, now.Add(-time.Hour))
	createReminder(t, r, now.Add(time.Hour)) // not due

	claimed, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 due reminders, got %d", len(claimed))
	}
	if claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Fatalf("expected earliest-due-first order")
	}
	for _, c := range claimed {
		if c.AttemptCount != 1 {
			t.Fatalf("claim must count as an attempt, got %d", c.AttemptCount)
		}
		if c.LeaseHolder == nil || *c.LeaseHolder != "worker-1" {
			t.Fatalf("expected lease holder worker-1")
		}
	}
}

func TestSQLiteRepo_ClaimDue_ExcludesClaimed(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	createReminder(t, r, now.Add(-time.Minute))

	claimed, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}

	// A second worker sees nothing while the lease is live.
	again, err := r.ClaimDue(ctx, "worker-2", now, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected 0 claimable while leased, got %d", len(again))
	}
}

func TestSQLiteRepo_ClaimDue_ReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rem := createReminder(t, r, now.Add(-time.Minute))

	if _, err := r.ClaimDue(ctx, "worker-1", now, 10, 30*time.Second); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}

	// Simulate worker-1 crashing: after the lease expires another worker
	// reclaims the same reminder.
	later := now.Add(31 * time.Second)
	claimed, err := r.ClaimDue(ctx, "worker-2", later, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != rem.ID {
		t.Fatalf("expected worker-2 to reclaim after expiry, got %d", len(claimed))
	}
	if claimed[0].AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2 after reclaim, got %d", claimed[0].AttemptCount)
	}
}

func TestSQLiteRepo_ClaimDue_ConcurrentWorkersNoDoubleClaim(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const total = 20
	for i := 0; i < total; i++ {
		createReminder(t, r, now.Add(-time.Minute))
	}

	const workers = 4
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	seen := make(map[string]int)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			for {
				claimed, err := r.ClaimDue(ctx, holder, now, 3, time.Minute)
				if err != nil {
					t.Errorf("ClaimDue(%s) error: %v", holder, err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}("worker-" + string(rune('a'+w)))
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected all %d reminders claimed, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("reminder %s claimed %d times", id, n)
		}
	}
}

func TestSQLiteRepo_MarkCompleted(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rem := createReminder(t, r, now.Add(-time.Minute))

	if _, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if err := r.MarkCompleted(ctx, rem.ID, "worker-1", "call-abc", now); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}

	got, err := r.Get(ctx, rem.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != model.Completed {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ProviderRef == nil || *got.ProviderRef != "call-abc" {
		t.Fatalf("expected provider ref recorded")
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Fatalf("expected completion timestamp %v, got %v", now, got.CompletedAt)
	}
	if got.LeaseHolder != nil || got.LeaseExpiresAt != nil {
		t.Fatalf("expected lease released")
	}
}

func TestSQLiteRepo_MarkCompleted_WrongHolderIsNoop(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rem := createReminder(t, r, now.Add(-time.Minute))

	if _, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if err := r.MarkCompleted(ctx, rem.ID, "worker-2", "call-abc", now); err != nil {
		t.Fatalf("MarkCompleted() with lost lease must not error: %v", err)
	}

	got, err := r.Get(ctx, rem.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != model.Pending {
		t.Fatalf("wrong holder must not complete the reminder, got %s", got.Status)
	}
}

func TestSQLiteRepo_MarkCompleted_DeletedRecordIsNoop(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rem := createReminder(t, r, now.Add(-time.Minute))

	if _, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if err := r.Delete(ctx, rem.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	// Completing the in-flight dispatch must neither error nor resurrect.
	if err := r.MarkCompleted(ctx, rem.ID, "worker-1", "call-abc", now); err != nil {
		t.Fatalf("MarkCompleted() after delete must not error: %v", err)
	}
	if _, err := r.Get(ctx, rem.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected record to stay deleted, got %v", err)
	}
}

func TestSQLiteRepo_MarkRetry(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rem := createReminder(t, r, now.Add(-time.Minute))

	if _, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}

	next := now.Add(2 * time.Minute)
	if err := r.MarkRetry(ctx, rem.ID, "worker-1", next, "provider timeout"); err != nil {
		t.Fatalf("MarkRetry() error: %v", err)
	}

	got, err := r.Get(ctx, rem.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != model.Pending {
		t.Fatalf("retry must keep the reminder pending, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", got.AttemptCount)
	}
	if !got.NextAttemptAt.Equal(next) {
		t.Fatalf("expected next_attempt_at %v, got %v", next, got.NextAttemptAt)
	}
	if !got.ScheduledTime.Equal(rem.ScheduledTime) {
		t.Fatalf("retry must not rewrite scheduled_time")
	}
	if got.LastError == nil || *got.LastError != "provider timeout" {
		t.Fatalf("expected last_error recorded")
	}

	// Not due again until next_attempt_at.
	claimed, err := r.ClaimDue(ctx, "worker-2", now.Add(time.Minute), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claimable before next_attempt_at, got %d", len(claimed))
	}

	claimed, err = r.ClaimDue(ctx, "worker-2", next.Add(time.Second), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].AttemptCount != 2 {
		t.Fatalf("expected reclaim with attempt_count 2")
	}
}

func TestSQLiteRepo_MarkFailed(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rem := createReminder(t, r, now.Add(-time.Minute))

	if _, err := r.ClaimDue(ctx, "worker-1", now, 10, time.Minute); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if err := r.MarkFailed(ctx, rem.ID, "worker-1", "invalid number"); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}

	got, err := r.Get(ctx, rem.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != model.Failed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "invalid number" {
		t.Fatalf("expected last_error recorded")
	}

	// Terminal reminders are never claimable again.
	claimed, err := r.ClaimDue(ctx, "worker-2", now.Add(time.Hour), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("failed reminder must not be claimable, got %d", len(claimed))
	}
}
