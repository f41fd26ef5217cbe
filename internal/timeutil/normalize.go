// Package timeutil resolves user scheduling input into absolute UTC instants.
package timeutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// DateTimeLayout is the wall-clock format the UI submits for absolute
// schedules, without any zone designator.
const DateTimeLayout = "2006-01-02T15:04"

// ScheduleInput carries either a relative offset from now or an absolute
// wall-clock time in a named zone. Relative wins when UseRelative is set.
type ScheduleInput struct {
	UseRelative bool
	Days        int
	Hours       int
	Minutes     int

	// DateTime in DateTimeLayout, interpreted in Timezone.
	DateTime string
	Timezone string
}

// Normalizer converts schedule input to UTC instants. The clock is injected
// so relative resolution is deterministic in tests.
type Normalizer struct {
	clock clock.Clock
}

func NewNormalizer(clk clock.Clock) *Normalizer {
	if clk == nil {
		clk = clock.New()
	}
	return &Normalizer{clock: clk}
}

// Resolve returns the absolute UTC instant the input describes. The result is
// never re-derived later; it is the single source of truth for when to fire.
func (n *Normalizer) Resolve(in ScheduleInput) (time.Time, error) {
	if in.UseRelative {
		return n.resolveRelative(in)
	}
	return resolveAbsolute(in)
}

func (n *Normalizer) resolveRelative(in ScheduleInput) (time.Time, error) {
	if in.Days < 0 || in.Hours < 0 || in.Minutes < 0 {
		return time.Time{}, fmt.Errorf("%w: negative duration component", ErrInvalidSchedule)
	}
	if in.Days == 0 && in.Hours == 0 && in.Minutes == 0 {
		return time.Time{}, fmt.Errorf("%w: relative schedule must be in the future", ErrInvalidSchedule)
	}

	d := time.Duration(in.Days)*24*time.Hour +
		time.Duration(in.Hours)*time.Hour +
		time.Duration(in.Minutes)*time.Minute

	// The offset is from "now" as an instant; the caller's timezone does not
	// change the result.
	return n.clock.Now().UTC().Add(d), nil
}

func resolveAbsolute(in ScheduleInput) (time.Time, error) {
	if in.DateTime == "" {
		return time.Time{}, fmt.Errorf("%w: missing date/time", ErrInvalidSchedule)
	}

	zone := in.Timezone
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, zone)
	}

	wall, err := time.Parse(DateTimeLayout, in.DateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date/time %q", ErrInvalidSchedule, in.DateTime)
	}

	// time.Date applies the zone's offset at the target instant, not at now,
	// so schedules crossing a DST boundary resolve correctly. Nonexistent
	// spring-forward times roll forward to the normalized instant; ambiguous
	// fall-back times take the earlier offset.
	local := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), 0, 0, loc)
	return local.UTC(), nil
}
