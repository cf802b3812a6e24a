// Package queue drains notification queue entries: it honors rate limits,
// dispatches through channel adapters and owns the retry policy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
	"greetd/internal/eventbus"
	"greetd/internal/storage"
	logx "greetd/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrInvalidEntry = errors.New("invalid notification")
	ErrTerminal     = errors.New("notification already finished")
)

// Limiter is the rate limit gate consulted before every dispatch.
type Limiter interface {
	Allow(ctx context.Context, ch domain.Channel, accountID string, now time.Time) (bool, error)
}

type allowAll struct{}

func (allowAll) Allow(context.Context, domain.Channel, string, time.Time) (bool, error) {
	return true, nil
}

type Config struct {
	PendingBatch    int
	RetryBatch      int
	BackoffBase     time.Duration
	MaxAttempts     int
	DispatchTimeout time.Duration
	StaleAfter      time.Duration
}

// Manager drains due queue entries through the channel registry.
//
// Several managers may run against one store: every transition is a
// conditional update on the entry's current status, so an entry is
// dispatched by at most one of them.
type Manager struct {
	mu  sync.RWMutex
	cfg Config

	store    storage.QueueStore
	adapters *channel.Registry
	limiter  Limiter
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithIDs(fn func() string) Option       { return func(m *Manager) { m.newID = fn } }
func WithBus(b eventbus.Bus) Option         { return func(m *Manager) { m.bus = b } }
func WithLimiter(l Limiter) Option          { return func(m *Manager) { m.limiter = l } }

func New(cfg Config, store storage.QueueStore, adapters *channel.Registry, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store:    store,
		adapters: adapters,
		limiter:  allowAll{},
		bus:      eventbus.Nop(),
		log:      log.With(logx.String("comp", "queue")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	m.applyLocked(cfg)
	return m
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
}

func (m *Manager) applyLocked(cfg Config) {
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = 50
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 25
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultMaxAttempts
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	m.cfg = cfg
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// TickStats summarizes one queue tick.
type TickStats struct {
	Selected    int
	Sent        int
	Retried     int
	Failed      int
	RateLimited int
	Lost        int
}

// Tick handles fresh entries first, then due retries. Entries are processed
// one at a time in (priority desc, due time asc) order; a failure on one never
// stops the rest of the batch.
func (m *Manager) Tick(ctx context.Context, now time.Time) (TickStats, error) {
	cfg := m.config()
	var st TickStats

	pending, err := m.store.DuePending(ctx, now, cfg.PendingBatch)
	if err != nil {
		return st, fmt.Errorf("select pending: %w", err)
	}
	retries, err := m.store.DueRetry(ctx, now, cfg.RetryBatch)
	if err != nil {
		return st, fmt.Errorf("select retry: %w", err)
	}
	st.Selected = len(pending) + len(retries)

	for _, batch := range [][]*domain.QueueEntry{pending, retries} {
		for _, e := range batch {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			m.process(ctx, e, now, cfg, &st)
		}
	}
	if st.Selected > 0 {
		m.log.Debug("queue tick",
			logx.Int("selected", st.Selected),
			logx.Int("sent", st.Sent),
			logx.Int("retried", st.Retried),
			logx.Int("failed", st.Failed),
			logx.Int("rate_limited", st.RateLimited),
		)
	}
	return st, nil
}

func (m *Manager) process(ctx context.Context, e *domain.QueueEntry, now time.Time, cfg Config, st *TickStats) {
	log := m.log.With(logx.String("entry_id", e.ID), logx.String("channel", string(e.Channel)))
	from := e.Status

	ok, err := m.store.ClaimEntry(ctx, e.ID, from, now)
	if err != nil {
		log.Warn("claim failed", logx.Err(err))
		return
	}
	if !ok {
		st.Lost++
		return
	}
	e.Status, e.ClaimedAt = domain.EntryProcessing, &now

	allowed, err := m.limiter.Allow(ctx, e.Channel, e.AccountID, now)
	if err != nil {
		log.Warn("rate limiter unavailable; entry deferred", logx.Err(err))
	}
	if err != nil || !allowed {
		if _, rerr := m.store.ReleaseEntry(ctx, e.ID, from, now); rerr != nil {
			log.Warn("release after rate limit failed", logx.Err(rerr))
		}
		if err == nil {
			st.RateLimited++
			m.bus.Publish(eventbus.Event{Type: eventbus.EntryRateLimited, Data: eventbus.Payload{
				ID: e.ID, Channel: string(e.Channel),
			}})
		}
		return
	}

	res := m.dispatch(ctx, e, cfg)
	// The send already happened; record it even if the tick is cancelled.
	ctx = context.WithoutCancel(ctx)
	switch {
	case res.OK():
		if ok, err := m.MarkSent(ctx, e, res.ExternalID, now); err != nil {
			log.Error("mark sent", logx.Err(err))
		} else if ok {
			st.Sent++
		} else {
			st.Lost++
		}
	default:
		status, err := m.MarkFailed(ctx, e, res.Reason, res.Kind == channel.KindPermanent, now)
		switch {
		case err != nil:
			log.Error("mark failed", logx.Err(err))
		case status == domain.EntryRetry:
			st.Retried++
		case status == domain.EntryFailed:
			st.Failed++
		default:
			st.Lost++
		}
	}
}

// dispatch sends e through its channel adapter under the dispatch timeout.
func (m *Manager) dispatch(ctx context.Context, e *domain.QueueEntry, cfg Config) (res channel.Result) {
	a, err := m.adapters.Get(e.Channel)
	if err != nil {
		return channel.Rejected(err.Error())
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = channel.Transient(fmt.Sprintf("adapter panic: %v", r))
		}
	}()
	return a.Send(dctx, channel.Message{
		EntryID:     e.ID,
		AccountID:   e.AccountID,
		To:          e.RecipientAddress,
		ToName:      e.RecipientName,
		Subject:     e.Subject,
		Body:        e.Body,
		Attachments: append([]string(nil), e.Attachments...),
	})
}

// MarkSent completes a processing entry and appends its delivery log. It
// reports false when the entry is no longer held by the claim e carries
// (cancelled, or swept and reclaimed while the send was in flight); the
// outcome is then discarded.
func (m *Manager) MarkSent(ctx context.Context, e *domain.QueueEntry, externalID string, now time.Time) (bool, error) {
	l := domain.LogFor(m.newID(), e, domain.DeliverySent, now)
	l.ExternalID = externalID
	ok, err := m.store.CompleteEntry(ctx, claimOf(e), l)
	if err != nil || !ok {
		if err == nil {
			m.log.Info("send outcome discarded; entry left processing", logx.String("entry_id", e.ID))
		}
		return ok, err
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.EntrySent, Data: eventbus.Payload{
		ID: e.ID, Channel: string(e.Channel), Status: string(domain.EntrySent), Attempts: e.Attempts,
	}})
	m.log.Info("notification sent",
		logx.String("entry_id", e.ID),
		logx.String("channel", string(e.Channel)),
		logx.String("external_id", externalID),
	)
	return true, nil
}

// MarkFailed records a failed attempt. Attempts grow by exactly one; below
// the entry's max the entry moves to retry after base*2^attempts, otherwise
// (or when permanent) it becomes terminally failed with a delivery log.
// The returned status is empty when the entry was no longer processing.
func (m *Manager) MarkFailed(ctx context.Context, e *domain.QueueEntry, reason string, permanent bool, now time.Time) (domain.EntryStatus, error) {
	cfg := m.config()
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}
	attempts := e.Attempts + 1
	if attempts > maxAttempts {
		attempts = maxAttempts
	}
	log := m.log.With(logx.String("entry_id", e.ID), logx.String("channel", string(e.Channel)), logx.Int("attempts", attempts))

	if !permanent && attempts < maxAttempts {
		retryAfter := now.Add(domain.Backoff(cfg.BackoffBase, attempts))
		ok, err := m.store.RetryEntry(ctx, claimOf(e), attempts, retryAfter, reason, now)
		if err != nil || !ok {
			return "", err
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.EntryRetry, Data: eventbus.Payload{
			ID: e.ID, Channel: string(e.Channel), Status: string(domain.EntryRetry), Attempts: attempts, Err: reason,
		}})
		log.Warn("notification failed; will retry", logx.Time("retry_after", retryAfter), logx.String("reason", reason))
		return domain.EntryRetry, nil
	}

	l := domain.LogFor(m.newID(), e, domain.DeliveryFailed, now)
	l.FailureReason = reason
	ok, err := m.store.FailEntry(ctx, claimOf(e), attempts, reason, l)
	if err != nil || !ok {
		return "", err
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.EntryFailed, Data: eventbus.Payload{
		ID: e.ID, Channel: string(e.Channel), Status: string(domain.EntryFailed), Attempts: attempts, Err: reason,
	}})
	log.Error("notification failed", logx.String("reason", reason), logx.Bool("permanent", permanent))
	return domain.EntryFailed, nil
}

// claimOf names the claim e was taken or read under.
func claimOf(e *domain.QueueEntry) storage.Claim {
	c := storage.Claim{ID: e.ID}
	if e.ClaimedAt != nil {
		c.At = *e.ClaimedAt
	}
	return c
}

// Enqueue validates and stores an ad-hoc notification.
func (m *Manager) Enqueue(ctx context.Context, e *domain.QueueEntry) error {
	if err := m.prepare(e, m.now()); err != nil {
		return err
	}
	if err := m.store.InsertEntries(ctx, e); err != nil {
		return fmt.Errorf("enqueue %s: %w", e.ID, err)
	}
	return nil
}

// EnqueueBulk validates every entry first and stores them together; one
// invalid entry rejects the whole batch.
func (m *Manager) EnqueueBulk(ctx context.Context, entries []*domain.QueueEntry) error {
	now := m.now()
	var errs []error
	for i, e := range entries {
		if err := m.prepare(e, now); err != nil {
			errs = append(errs, fmt.Errorf("notification %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := m.store.InsertEntries(ctx, entries...); err != nil {
		return fmt.Errorf("enqueue %d notifications: %w", len(entries), err)
	}
	return nil
}

func (m *Manager) prepare(e *domain.QueueEntry, now time.Time) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if !m.adapters.Has(e.Channel) {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, fmt.Errorf("%w: %s", channel.ErrNoAdapter, e.Channel))
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = m.newID()
	}
	e.Status, e.Attempts = domain.EntryPending, 0
	e.RetryAfter, e.ClaimedAt, e.SentAt, e.LastError = nil, nil, nil, ""
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = m.config().MaxAttempts
	}
	e.Normalize(now)
	return nil
}

// Cancel terminally cancels an entry. A send already in flight completes
// but its outcome is discarded.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	ok, err := m.store.CancelEntry(ctx, id, m.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrTerminal
	}
	m.log.Info("notification cancelled", logx.String("entry_id", id))
	return nil
}

// Sweep charges one attempt to every entry stuck in processing longer than
// the stale threshold and moves it to retry or failed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cfg := m.config()
	now := m.now()
	stale, err := m.store.StaleEntries(ctx, now.Add(-cfg.StaleAfter), cfg.PendingBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range stale {
		status, err := m.MarkFailed(ctx, e, "processing timed out", false, now)
		if err != nil {
			m.log.Warn("sweep entry", logx.String("entry_id", e.ID), logx.Err(err))
			continue
		}
		if status != "" {
			n++
			m.bus.Publish(eventbus.Event{Type: eventbus.EntrySwept, Data: eventbus.Payload{
				ID: e.ID, Channel: string(e.Channel), Status: string(status),
			}})
		}
	}
	if n > 0 {
		m.log.Warn("stale processing notifications swept", logx.Int("count", n))
	}
	return n, nil
}

// Get returns a queue entry by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return m.store.GetEntry(ctx, id)
}
