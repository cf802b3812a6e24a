// Package scheduler decides when events fire and performs each firing
// exactly once, turning it into per-channel queue entries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"greetd/internal/domain"
	"greetd/internal/eventbus"
	"greetd/internal/render"
	"greetd/internal/storage"
	logx "greetd/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrNotFailed = errors.New("event is not in failed state")
	ErrTerminal  = errors.New("event is already completed or cancelled")
)

// Zones resolves the time zone an account's events are interpreted in.
type Zones interface {
	Location(accountID string) *time.Location
}

type utcZones struct{}

func (utcZones) Location(string) *time.Location { return time.UTC }

type Config struct {
	// BatchSize bounds the due events handled per tick.
	BatchSize     int
	RenderTimeout time.Duration
	// StaleAfter is how long an event may sit in processing before Sweep
	// returns it to pending.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 60 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	return c
}

type Scheduler struct {
	mu  sync.RWMutex
	cfg Config

	store  storage.EventStore
	render render.Renderer
	zones  Zones
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithIDs(fn func() string) Option       { return func(s *Scheduler) { s.newID = fn } }
func WithBus(b eventbus.Bus) Option         { return func(s *Scheduler) { s.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(s *Scheduler) { s.log = l } }
func WithZones(z Zones) Option              { return func(s *Scheduler) { s.zones = z } }

func New(cfg Config, store storage.EventStore, r render.Renderer, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  store,
		render: r,
		zones:  utcZones{},
		bus:    eventbus.Nop(),
		log:    logx.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.render == nil {
		s.render = render.Disabled{}
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

// Apply swaps tunables at runtime.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SelectDue lists pending events whose next execution has passed.
func (s *Scheduler) SelectDue(ctx context.Context, now time.Time) ([]*domain.Event, error) {
	return s.store.DueEvents(ctx, now, s.config().BatchSize)
}

// FireResult describes what a Fire call did. Claimed is false when another
// worker owned the firing; Discarded is true when the event left processing
// (e.g. was cancelled) before the firing committed.
type FireResult struct {
	Claimed   bool
	Discarded bool
	Entries   int
	Status    domain.EventStatus
	Next      *time.Time
}

// Fire executes one firing of ev. It is the only path that moves an event
// out of pending, and at most one caller wins per due instant.
func (s *Scheduler) Fire(ctx context.Context, ev *domain.Event, now time.Time) (res FireResult, err error) {
	log := s.log.With(logx.String("event_id", ev.ID))
	claimed, err := s.store.ClaimEvent(ctx, ev.ID, now)
	if err != nil {
		return res, fmt.Errorf("claim %s: %w", ev.ID, err)
	}
	if !claimed {
		log.Debug("event already claimed")
		return res, nil
	}
	res.Claimed = true
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("fire panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("fire %s: panic: %v", ev.ID, r)
		}
		if err != nil {
			s.markFailed(ctx, ev.ID, err, now)
		}
	}()

	cfg := s.config()
	loc := s.zones.Location(ev.AccountID)

	artifact := ""
	if strings.TrimSpace(ev.TemplateRef) != "" {
		rctx, cancel := context.WithTimeout(ctx, cfg.RenderTimeout)
		artifact, err = s.render.Render(rctx, ev.TemplateRef, ev.RenderFields())
		cancel()
		if err != nil {
			return res, fmt.Errorf("render %s: %w", ev.ID, err)
		}
	}

	entries := s.entriesFor(ev, artifact, now)

	f := storage.Firing{EventID: ev.ID, ClaimedAt: now, Now: now, Status: domain.EventCompleted, Entries: entries}
	if ev.Recurrence == domain.RecurYearly {
		// Completed is momentary for yearly events.
		next := *ev
		next.Status = domain.EventPending
		f.Status = domain.EventPending
		f.NextExecution = NextExecution(&next, loc, now)
	}
	// Rendering is paid for; commit even if the tick is being cancelled.
	ok, err := s.store.FinishFiring(context.WithoutCancel(ctx), f)
	if err != nil {
		return res, fmt.Errorf("finish %s: %w", ev.ID, err)
	}
	if !ok {
		res.Discarded = true
		log.Info("event left processing before firing committed; outcome discarded")
		return res, nil
	}

	res.Entries, res.Status, res.Next = len(entries), f.Status, f.NextExecution
	s.bus.Publish(eventbus.Event{Type: eventbus.EventFired, Data: eventbus.Payload{
		ID: ev.ID, Status: string(f.Status), Count: len(entries), Took: time.Since(start),
	}})
	fields := []logx.Field{logx.Int("entries", len(entries)), logx.String("status", string(f.Status))}
	if f.NextExecution != nil {
		fields = append(fields, logx.Time("next_execution", *f.NextExecution))
	}
	log.Info("event fired", fields...)
	return res, nil
}

// entriesFor builds one queue entry per enabled channel that has an address.
func (s *Scheduler) entriesFor(ev *domain.Event, artifact string, now time.Time) []*domain.QueueEntry {
	var out []*domain.QueueEntry
	for _, ch := range ev.EnabledChannels() {
		addr := ev.Recipient.Address(ch)
		if addr == "" {
			s.log.Debug("channel enabled without recipient address",
				logx.String("event_id", ev.ID), logx.String("channel", string(ch)))
			continue
		}
		e := &domain.QueueEntry{
			ID:               s.newID(),
			AccountID:        ev.AccountID,
			EventID:          ev.ID,
			Channel:          ch,
			RecipientAddress: addr,
			RecipientName:    ev.Recipient.FullName(),
			Subject:          ev.Subject(ch),
			Body:             ev.Body(ch),
			Priority:         domain.PriorityNormal,
			ScheduledFor:     now,
		}
		if artifact != "" {
			e.Attachments = []string{artifact}
		}
		e.Normalize(now)
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) markFailed(ctx context.Context, id string, cause error, now time.Time) {
	ok, err := s.store.FailEvent(context.WithoutCancel(ctx), id, cause.Error(), now)
	switch {
	case err != nil:
		s.log.Error("mark event failed", logx.String("event_id", id), logx.Err(err))
	case ok:
		s.log.Warn("event failed", logx.String("event_id", id), logx.Err(cause))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventFireFailed, Data: eventbus.Payload{ID: id, Err: cause.Error()}})
}

// TickStats summarizes one scheduler tick.
type TickStats struct {
	Due       int
	Fired     int
	Failed    int
	Lost      int
	Discarded int
}

// Tick fires every due event. A failure on one event never stops the batch.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var st TickStats
	now := s.now()
	due, err := s.SelectDue(ctx, now)
	if err != nil {
		return st, fmt.Errorf("select due events: %w", err)
	}
	st.Due = len(due)
	for _, ev := range due {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		res, err := s.Fire(ctx, ev, now)
		switch {
		case err != nil:
			st.Failed++
		case !res.Claimed:
			st.Lost++
		case res.Discarded:
			st.Discarded++
		default:
			st.Fired++
		}
	}
	if st.Due > 0 {
		s.log.Debug("scheduler tick", logx.Int("due", st.Due), logx.Int("fired", st.Fired),
			logx.Int("failed", st.Failed), logx.Int("lost", st.Lost))
	}
	return st, nil
}

// Schedule validates ev, computes its first execution and stores it as
// pending. An empty id gets a fresh UUID.
func (s *Scheduler) Schedule(ctx context.Context, ev *domain.Event) error {
	now := s.now()
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = s.newID()
	}
	ev.Status = domain.EventPending
	if err := ev.Validate(); err != nil {
		return err
	}
	ev.NextExecution = NextExecution(ev, s.zones.Location(ev.AccountID), now)
	ev.LastProcessed, ev.ClaimedAt, ev.ExecutionCount, ev.LastError = nil, nil, 0, ""
	ev.CreatedAt, ev.UpdatedAt = now, now
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("create event %s: %w", ev.ID, err)
	}
	return nil
}

// ScheduleBulk schedules a copy of tmpl for every recipient and returns the
// ids created. Failures are joined; successful events stay scheduled.
func (s *Scheduler) ScheduleBulk(ctx context.Context, tmpl domain.Event, recipients []domain.Recipient) ([]string, error) {
	ids := make([]string, 0, len(recipients))
	var errs []error
	for i, r := range recipients {
		ev := tmpl
		ev.ID = ""
		ev.Recipient = r
		if tmpl.Fields != nil {
			ev.Fields = make(map[string]string, len(tmpl.Fields))
			for k, v := range tmpl.Fields {
				ev.Fields[k] = v
			}
		}
		if err := s.Schedule(ctx, &ev); err != nil {
			errs = append(errs, fmt.Errorf("recipient %d: %w", i, err))
			continue
		}
		ids = append(ids, ev.ID)
	}
	return ids, errors.Join(errs...)
}

// Reschedule moves a failed event back to pending with a fresh next
// execution.
func (s *Scheduler) Reschedule(ctx context.Context, id string) (*time.Time, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != domain.EventFailed {
		return nil, ErrNotFailed
	}
	now := s.now()
	ev.Status = domain.EventPending
	next := NextExecution(ev, s.zones.Location(ev.AccountID), now)
	ok, err := s.store.RescheduleEvent(ctx, id, next, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFailed
	}
	s.log.Info("event rescheduled", logx.String("event_id", id))
	return next, nil
}

// Cancel terminally cancels an event. A firing in flight is discarded when
// it tries to commit.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.CancelEvent(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrTerminal
	}
	s.log.Info("event cancelled", logx.String("event_id", id))
	return nil
}

// Recalculate recomputes next_execution for every pending event that is not
// yet due and returns how many changed. Due events are left for Tick.
func (s *Scheduler) Recalculate(ctx context.Context) (int, error) {
	const page = 200
	now := s.now()
	changed := 0
	after := ""
	for {
		evs, err := s.store.PendingEvents(ctx, after, page)
		if err != nil {
			return changed, err
		}
		for _, ev := range evs {
			if ev.NextExecution != nil && !ev.NextExecution.After(now) {
				continue
			}
			next := NextExecution(ev, s.zones.Location(ev.AccountID), now)
			if sameInstant(next, ev.NextExecution) {
				continue
			}
			ok, err := s.store.SetNextExecution(ctx, ev.ID, next, now)
			if err != nil {
				return changed, err
			}
			if ok {
				changed++
			}
		}
		if len(evs) < page {
			break
		}
		after = evs[len(evs)-1].ID
	}
	if changed > 0 {
		s.log.Info("next executions recalculated", logx.Int("changed", changed))
	}
	return changed, nil
}

// Sweep returns events stuck in processing to pending. Their firing never
// committed, so firing again creates no duplicates.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.store.ReleaseStaleEvents(ctx, now.Add(-s.config().StaleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("stale processing events released", logx.Int("count", n))
	}
	return n, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Millisecond).Equal(b.Truncate(time.Millisecond))
}
