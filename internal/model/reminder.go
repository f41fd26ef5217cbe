package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"
)

type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// ParseStatus maps a raw string to a Status. Unknown values are an error,
// never coerced to a default.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case Pending, Completed, Failed:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

const (
	TitleMax   = 50
	MessageMax = 500
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("reminder not found")
	ErrConflict   = errors.New("reminder is claimed or in a terminal state")
)

var phoneRe = regexp.MustCompile(`^\+[1-9]\d{10,14}$`)

type Reminder struct {
	ID          string
	Title       string
	Message     string
	PhoneNumber string
	// Timezone is the IANA zone used to interpret the schedule input at
	// create/update time. ScheduledTime is always an absolute UTC instant.
	Timezone      string
	ScheduledTime time.Time
	// NextAttemptAt controls when the reminder is due for dispatch. It equals
	// ScheduledTime at creation and is pushed out by retry backoff, leaving
	// ScheduledTime untouched for audit.
	NextAttemptAt time.Time
	Status        Status
	AttemptCount  int
	LastError     *string

	// Active claim, if any. A reminder with an unexpired lease is owned by
	// exactly one dispatch worker.
	LeaseHolder    *string
	LeaseExpiresAt *time.Time

	CompletedAt *time.Time
	ProviderRef *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Claimed reports whether the reminder holds a lease that has not expired at
// the given instant.
func (r *Reminder) Claimed(now time.Time) bool {
	return r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// Validate checks the user-supplied fields of a create draft.
func (r *Reminder) Validate() error {
	if err := ValidateTitle(r.Title); err != nil {
		return err
	}
	if err := ValidateMessage(r.Message); err != nil {
		return err
	}
	return ValidatePhone(r.PhoneNumber)
}

func ValidateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: title must not be empty", ErrValidation)
	}
	if utf8.RuneCountInString(title) > TitleMax {
		return fmt.Errorf("%w: title exceeds %d chars", ErrValidation, TitleMax)
	}
	return nil
}

func ValidateMessage(message string) error {
	if message == "" {
		return fmt.Errorf("%w: message must not be empty", ErrValidation)
	}
	if utf8.RuneCountInString(message) > MessageMax {
		return fmt.Errorf("%w: message exceeds %d chars", ErrValidation, MessageMax)
	}
	return nil
}

// ValidatePhone enforces E.164 format.
func ValidatePhone(phone string) error {
	if !phoneRe.MatchString(phone) {
		return fmt.Errorf("%w: phone number %q is not E.164", ErrValidation, phone)
	}
	return nil
}
