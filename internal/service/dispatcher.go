package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/zkovari/callreminder/internal/cache"
	"github.com/zkovari/callreminder/internal/client"
	"github.com/zkovari/callreminder/internal/model"
	"github.com/zkovari/callreminder/internal/repo"
)

// Options configures a dispatch worker.
type Options struct {
	// Holder identifies this worker in lease records.
	Holder        string
	BatchSize     int
	LeaseDuration time.Duration
	MaxAttempts   int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
	// StaleAfter fails reminders overdue by more than this without calling.
	// Zero disables the cutoff.
	StaleAfter     time.Duration
	CallsPerSecond float64
}

// Dispatcher claims due reminders and places the calls. Result writes go
// through the lease-checked repository operations, so a record deleted or
// reclaimed mid-call is dropped silently.
type Dispatcher struct {
	repo    repo.ReminderRepository
	client  client.CallClient
	opts    Options
	limiter *rate.Limiter

	results cache.ResultCache
	clock   clock.Clock
}

func NewDispatcher(r repo.ReminderRepository, c client.CallClient, opts Options) *Dispatcher {
	return &Dispatcher{
		repo:    r,
		client:  c,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.CallsPerSecond), 1),
		clock:   clock.New(),
	}
}

// WithResultCache enables write-through caching of completed calls.
func (d *Dispatcher) WithResultCache(rc cache.ResultCache) *Dispatcher {
	d.results = rc
	return d
}

// WithClock replaces the wall clock, for tests.
func (d *Dispatcher) WithClock(clk clock.Clock) *Dispatcher {
	d.clock = clk
	return d
}

// Sweep runs one pass: claim a batch of due reminders and dispatch each.
// Safe to call from multiple workers; the claim resolves contention.
func (d *Dispatcher) Sweep(ctx context.Context) {
	now := d.clock.Now().UTC()

	claimed, err := d.repo.ClaimDue(ctx, d.opts.Holder, now, d.opts.BatchSize, d.opts.LeaseDuration)
	if err != nil {
		slog.Error("claim sweep failed", "holder", d.opts.Holder, "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	slog.Info("claimed due reminders", "holder", d.opts.Holder, "count", len(claimed))

	for i := range claimed {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, &claimed[i])
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, rem *model.Reminder) {
	now := d.clock.Now().UTC()

	if d.opts.StaleAfter > 0 && now.Sub(rem.ScheduledTime) > d.opts.StaleAfter {
		reason := fmt.Sprintf("missed fire time by more than %s", d.opts.StaleAfter)
		slog.Warn("reminder too stale to call", "id", rem.ID, "scheduled", rem.ScheduledTime, "reason", reason)
		d.markFailed(ctx, rem, reason)
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		// Shutting down mid-batch; the lease expires and another worker
		// picks the reminder up.
		return
	}

	res, err := d.client.PlaceCall(ctx, rem.PhoneNumber, callMessage(rem))
	if err != nil {
		res = client.CallResult{Outcome: client.OutcomeTransient, Detail: err.Error()}
	}

	switch res.Outcome {
	case client.OutcomeSuccess:
		completedAt := d.clock.Now().UTC()
		if err := d.repo.MarkCompleted(ctx, rem.ID, d.opts.Holder, res.ProviderRef, completedAt); err != nil {
			slog.Error("failed to record completion", "id", rem.ID, "error", err)
			return
		}
		slog.Info("reminder call placed", "id", rem.ID, "attempt", rem.AttemptCount, "provider_ref", res.ProviderRef)
		if d.results != nil {
			if err := d.results.StoreResult(ctx, rem.ID, res.ProviderRef, completedAt); err != nil {
				slog.Warn("failed to cache call result", "id", rem.ID, "error", err)
			}
		}

	case client.OutcomeTransient:
		if rem.AttemptCount >= d.opts.MaxAttempts {
			reason := fmt.Sprintf("%s (attempts exhausted: %d)", res.Detail, rem.AttemptCount)
			slog.Warn("reminder failed after final attempt", "id", rem.ID, "attempt", rem.AttemptCount, "detail", res.Detail)
			d.markFailed(ctx, rem, reason)
			return
		}
		next := now.Add(d.backoff(rem.AttemptCount))
		slog.Warn("transient dispatch failure, will retry", "id", rem.ID, "attempt", rem.AttemptCount, "next_attempt_at", next, "detail", res.Detail)
		if err := d.repo.MarkRetry(ctx, rem.ID, d.opts.Holder, next, res.Detail); err != nil {
			slog.Error("failed to record retry", "id", rem.ID, "error", err)
		}

	case client.OutcomePermanent:
		slog.Warn("permanent dispatch failure", "id", rem.ID, "attempt", rem.AttemptCount, "detail", res.Detail)
		d.markFailed(ctx, rem, res.Detail)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, rem *model.Reminder, reason string) {
	if err := d.repo.MarkFailed(ctx, rem.ID, d.opts.Holder, reason); err != nil {
		slog.Error("failed to record failure", "id", rem.ID, "error", err)
	}
}

// backoff returns the delay before the next attempt: base doubled per
// completed attempt (attempt 1 -> base, attempt 2 -> 2*base, ...).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func callMessage(rem *model.Reminder) string {
	return fmt.Sprintf("Hello! This is your reminder: %s. %s", rem.Title, rem.Message)
}
