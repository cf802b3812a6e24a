package storage

import (
	"context"
	"errors"
	"time"

	"greetd/internal/domain"
	"greetd/internal/ratelimit"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, single-process trials)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int32         // postgres only
}

// Firing is the outcome of a successful fire(): the event's next state and
// the queue entries it produced, committed together. It only applies while
// the event still carries the claim taken at ClaimedAt.
type Firing struct {
	EventID       string
	ClaimedAt     time.Time
	Now           time.Time
	Status        domain.EventStatus
	NextExecution *time.Time
	Entries       []*domain.QueueEntry
}

// Claim names one claim on a queue entry: a write that finishes it applies
// only while the entry is processing under the same claimed_at. A sweep and
// reclaim in between makes the write a no-op.
type Claim struct {
	ID string
	At time.Time
}

// LogUpdate moves a delivery log from one status to another. DeliveredAt and
// ReadAt are only ever set once.
type LogUpdate struct {
	ID             string
	From           domain.DeliveryStatus
	To             domain.DeliveryStatus
	ExternalStatus string
	At             time.Time
	Cost           *float64
	Currency       string
}

// EventStore persists events. Every state change is a conditional update on
// the current status; (false, nil) means another worker got there first.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *domain.Event) error
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	// DueEvents lists pending events with next_execution <= now, oldest first.
	DueEvents(ctx context.Context, now time.Time, limit int) ([]*domain.Event, error)
	// PendingEvents pages through pending events ordered by id.
	PendingEvents(ctx context.Context, afterID string, limit int) ([]*domain.Event, error)

	ClaimEvent(ctx context.Context, id string, now time.Time) (bool, error)
	FinishFiring(ctx context.Context, f Firing) (bool, error)
	FailEvent(ctx context.Context, id, reason string, now time.Time) (bool, error)
	// SetNextExecution updates a pending event that is not yet due at now.
	SetNextExecution(ctx context.Context, id string, next *time.Time, now time.Time) (bool, error)
	CancelEvent(ctx context.Context, id string, now time.Time) (bool, error)
	RescheduleEvent(ctx context.Context, id string, next *time.Time, now time.Time) (bool, error)
	// ReleaseStaleEvents returns events stuck in processing since before to pending.
	ReleaseStaleEvents(ctx context.Context, before, now time.Time) (int, error)
}

// QueueStore persists notification queue entries.
type QueueStore interface {
	InsertEntries(ctx context.Context, entries ...*domain.QueueEntry) error
	GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error)
	// DuePending lists pending entries with scheduled_for <= now ordered by
	// (priority desc, scheduled_for asc).
	DuePending(ctx context.Context, now time.Time, limit int) ([]*domain.QueueEntry, error)
	// DueRetry lists retry entries with retry_after <= now ordered by
	// (priority desc, retry_after asc).
	DueRetry(ctx context.Context, now time.Time, limit int) ([]*domain.QueueEntry, error)
	// StaleEntries lists processing entries claimed before the cutoff.
	StaleEntries(ctx context.Context, before time.Time, limit int) ([]*domain.QueueEntry, error)

	ClaimEntry(ctx context.Context, id string, from domain.EntryStatus, now time.Time) (bool, error)
	ReleaseEntry(ctx context.Context, id string, to domain.EntryStatus, now time.Time) (bool, error)
	CompleteEntry(ctx context.Context, c Claim, log domain.DeliveryLog) (bool, error)
	RetryEntry(ctx context.Context, c Claim, attempts int, retryAfter time.Time, reason string, now time.Time) (bool, error)
	FailEntry(ctx context.Context, c Claim, attempts int, reason string, log domain.DeliveryLog) (bool, error)
	CancelEntry(ctx context.Context, id string, now time.Time) (bool, error)

	PurgeEntries(ctx context.Context, before time.Time) (int64, error)
}

// LogStore persists delivery logs.
type LogStore interface {
	GetLogByEntry(ctx context.Context, entryID string) (*domain.DeliveryLog, error)
	// ReconcileCandidates lists logs in sent/delivered with an external id,
	// sent at or after since.
	ReconcileCandidates(ctx context.Context, since time.Time, limit int) ([]*domain.DeliveryLog, error)
	UpdateLogStatus(ctx context.Context, u LogUpdate) (bool, error)
	PurgeLogs(ctx context.Context, before time.Time) (int64, error)
}

// Store is the persistence API used by the pipeline. Every driver also keeps
// rate-limit counters.
type Store interface {
	EventStore
	QueueStore
	LogStore
	ratelimit.CounterStore
	Ping(ctx context.Context) error
	Close() error
}
