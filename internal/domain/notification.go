package domain

import (
	"errors"
	"time"

	"greetd/pkg/validate"
)

type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntrySent       EntryStatus = "sent"
	EntryFailed     EntryStatus = "failed"
	EntryRetry      EntryStatus = "retry"
	EntryCancelled  EntryStatus = "cancelled"
)

// Terminal reports whether no automatic transition leaves s.
func (s EntryStatus) Terminal() bool {
	return s == EntrySent || s == EntryFailed || s == EntryCancelled
}

const DefaultMaxAttempts = 3

// QueueEntry is one notification waiting for (or done with) delivery on a
// single channel. EventID is empty for ad-hoc notifications.
type QueueEntry struct {
	ID        string
	AccountID string
	EventID   string
	Channel   Channel `validate:"required,channel"`

	RecipientAddress string `validate:"notblank"`
	RecipientName    string
	Subject          string
	Body             string
	Attachments      []string

	Priority     Priority
	ScheduledFor time.Time

	Status      EntryStatus
	Attempts    int
	MaxAttempts int
	RetryAfter  *time.Time
	ClaimedAt   *time.Time
	SentAt      *time.Time
	LastError   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrEntryChannel   = errors.New("notification channel is required")
	ErrEntryRecipient = errors.New("notification recipient address is required")
	ErrEntryBody      = errors.New("notification body is required")
)

var entryViolations = map[string]error{
	"Channel":          ErrEntryChannel,
	"RecipientAddress": ErrEntryRecipient,
	"Body":             ErrEntryBody,
}

// Validate checks what an entry needs before it can be enqueued.
func (q *QueueEntry) Validate() error {
	return violation(validate.Default().Struct(q), entryViolations)
}

// Normalize fills defaults for a new entry.
func (q *QueueEntry) Normalize(now time.Time) {
	if q.Status == "" {
		q.Status = EntryPending
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = DefaultMaxAttempts
	}
	if q.ScheduledFor.IsZero() {
		q.ScheduledFor = now
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
}

// Backoff returns the retry delay after the given number of failed attempts:
// base × 2^attempts.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	return base * time.Duration(1<<uint(attempts))
}
