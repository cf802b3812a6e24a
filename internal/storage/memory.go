package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"greetd/internal/domain"
	"greetd/internal/ratelimit"
)

// Memory is an in-process Store. One mutex makes every conditional update
// atomic, which gives the same compare-and-swap semantics as the SQL drivers.
type Memory struct {
	*ratelimit.MemoryStore

	mu      sync.Mutex
	events  map[string]*domain.Event
	entries map[string]*domain.QueueEntry
	logs    map[string]*domain.DeliveryLog // by entry id
}

func NewMemory() *Memory {
	return &Memory{
		MemoryStore: ratelimit.NewMemoryStore(),
		events:      map[string]*domain.Event{},
		entries:     map[string]*domain.QueueEntry{},
		logs:        map[string]*domain.DeliveryLog{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func timePtr(t time.Time) *time.Time { return &t }

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func cloneEvent(e *domain.Event) *domain.Event {
	cp := *e
	cp.NextExecution = clonePtr(e.NextExecution)
	cp.LastProcessed = clonePtr(e.LastProcessed)
	cp.ClaimedAt = clonePtr(e.ClaimedAt)
	if e.Fields != nil {
		cp.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			cp.Fields[k] = v
		}
	}
	if e.Channels != nil {
		cp.Channels = make(map[domain.Channel]domain.ChannelOverride, len(e.Channels))
		for k, v := range e.Channels {
			cp.Channels[k] = v
		}
	}
	return &cp
}

func cloneEntry(q *domain.QueueEntry) *domain.QueueEntry {
	cp := *q
	cp.Attachments = append([]string(nil), q.Attachments...)
	cp.RetryAfter = clonePtr(q.RetryAfter)
	cp.ClaimedAt = clonePtr(q.ClaimedAt)
	cp.SentAt = clonePtr(q.SentAt)
	return &cp
}

func cloneLog(l *domain.DeliveryLog) *domain.DeliveryLog {
	cp := *l
	cp.DeliveredAt = clonePtr(l.DeliveredAt)
	cp.ReadAt = clonePtr(l.ReadAt)
	if l.Cost != nil {
		c := *l.Cost
		cp.Cost = &c
	}
	return &cp
}

// ---- events ----

func (m *Memory) CreateEvent(_ context.Context, ev *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return ErrConflict
	}
	m.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (m *Memory) DueEvents(_ context.Context, now time.Time, limit int) ([]*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Event
	for _, ev := range m.events {
		if ev.Status == domain.EventPending && ev.NextExecution != nil && !ev.NextExecution.After(now) {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextExecution.Equal(*out[j].NextExecution) {
			return out[i].NextExecution.Before(*out[j].NextExecution)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *Memory) PendingEvents(_ context.Context, afterID string, limit int) ([]*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Event
	for _, ev := range m.events {
		if ev.Status == domain.EventPending && ev.ID > afterID {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func (m *Memory) ClaimEvent(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.Status != domain.EventPending || ev.NextExecution == nil || ev.NextExecution.After(now) {
		return false, nil
	}
	ev.Status = domain.EventProcessing
	ev.ClaimedAt = timePtr(now)
	ev.UpdatedAt = now
	return true, nil
}

func (m *Memory) FinishFiring(_ context.Context, f Firing) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[f.EventID]
	if !ok || ev.Status != domain.EventProcessing || !sameClaim(ev.ClaimedAt, f.ClaimedAt) {
		return false, nil
	}
	for _, q := range f.Entries {
		if _, dup := m.entries[q.ID]; dup {
			return false, ErrConflict
		}
	}
	for _, q := range f.Entries {
		m.entries[q.ID] = cloneEntry(q)
	}
	ev.Status = f.Status
	ev.NextExecution = clonePtr(f.NextExecution)
	ev.LastProcessed = timePtr(f.Now)
	ev.ClaimedAt = nil
	ev.ExecutionCount++
	ev.LastError = ""
	ev.UpdatedAt = f.Now
	return true, nil
}

func (m *Memory) FailEvent(_ context.Context, id, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.Status != domain.EventProcessing {
		return false, nil
	}
	ev.Status = domain.EventFailed
	ev.LastError = reason
	ev.ClaimedAt = nil
	ev.UpdatedAt = now
	return true, nil
}

func (m *Memory) SetNextExecution(_ context.Context, id string, next *time.Time, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.Status != domain.EventPending {
		return false, nil
	}
	if ev.NextExecution != nil && !ev.NextExecution.After(now) {
		return false, nil
	}
	ev.NextExecution = clonePtr(next)
	ev.UpdatedAt = now
	return true, nil
}

func (m *Memory) CancelEvent(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return false, ErrNotFound
	}
	switch ev.Status {
	case domain.EventPending, domain.EventProcessing, domain.EventFailed:
	default:
		return false, nil
	}
	ev.Status = domain.EventCancelled
	ev.NextExecution = nil
	ev.ClaimedAt = nil
	ev.UpdatedAt = now
	return true, nil
}

func (m *Memory) RescheduleEvent(_ context.Context, id string, next *time.Time, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return false, ErrNotFound
	}
	if ev.Status != domain.EventFailed {
		return false, nil
	}
	ev.Status = domain.EventPending
	ev.NextExecution = clonePtr(next)
	ev.LastError = ""
	ev.UpdatedAt = now
	return true, nil
}

func (m *Memory) ReleaseStaleEvents(_ context.Context, before, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Status == domain.EventProcessing && ev.ClaimedAt != nil && ev.ClaimedAt.Before(before) {
			ev.Status = domain.EventPending
			ev.ClaimedAt = nil
			ev.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ---- queue ----

func (m *Memory) InsertEntries(_ context.Context, entries ...*domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range entries {
		if _, dup := m.entries[q.ID]; dup {
			return ErrConflict
		}
	}
	for _, q := range entries {
		m.entries[q.ID] = cloneEntry(q)
	}
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id string) (*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(q), nil
}

func (m *Memory) selectEntries(match func(*domain.QueueEntry) bool, at func(*domain.QueueEntry) time.Time, limit int) []*domain.QueueEntry {
	var out []*domain.QueueEntry
	for _, q := range m.entries {
		if match(q) {
			out = append(out, cloneEntry(q))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if ai, aj := at(out[i]), at(out[j]); !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit)
}

func (m *Memory) DuePending(_ context.Context, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectEntries(func(q *domain.QueueEntry) bool {
		return q.Status == domain.EntryPending && !q.ScheduledFor.After(now)
	}, func(q *domain.QueueEntry) time.Time { return q.ScheduledFor }, limit), nil
}

func (m *Memory) DueRetry(_ context.Context, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectEntries(func(q *domain.QueueEntry) bool {
		return q.Status == domain.EntryRetry && q.RetryAfter != nil && !q.RetryAfter.After(now)
	}, func(q *domain.QueueEntry) time.Time { return *q.RetryAfter }, limit), nil
}

func (m *Memory) StaleEntries(_ context.Context, before time.Time, limit int) ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectEntries(func(q *domain.QueueEntry) bool {
		return q.Status == domain.EntryProcessing && q.ClaimedAt != nil && q.ClaimedAt.Before(before)
	}, func(q *domain.QueueEntry) time.Time { return *q.ClaimedAt }, limit), nil
}

// claimed returns the entry if it is processing under c.
func (m *Memory) claimed(c Claim) *domain.QueueEntry {
	q, ok := m.entries[c.ID]
	if !ok || q.Status != domain.EntryProcessing || !sameClaim(q.ClaimedAt, c.At) {
		return nil
	}
	return q
}

// sameClaim compares at millisecond precision, as the SQL stores do.
func sameClaim(stored *time.Time, at time.Time) bool {
	return stored != nil && stored.UnixMilli() == at.UnixMilli()
}

func (m *Memory) ClaimEntry(_ context.Context, id string, from domain.EntryStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.entries[id]
	if !ok || q.Status != from {
		return false, nil
	}
	q.Status = domain.EntryProcessing
	q.ClaimedAt = timePtr(now)
	q.UpdatedAt = now
	return true, nil
}

func (m *Memory) ReleaseEntry(_ context.Context, id string, to domain.EntryStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.entries[id]
	if !ok || q.Status != domain.EntryProcessing {
		return false, nil
	}
	q.Status = to
	q.ClaimedAt = nil
	q.UpdatedAt = now
	return true, nil
}

func (m *Memory) CompleteEntry(_ context.Context, c Claim, log domain.DeliveryLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.claimed(c)
	if q == nil {
		return false, nil
	}
	if _, dup := m.logs[c.ID]; dup {
		return false, ErrConflict
	}
	q.Status = domain.EntrySent
	q.SentAt = timePtr(log.SentAt)
	q.RetryAfter = nil
	q.ClaimedAt = nil
	q.LastError = ""
	q.UpdatedAt = log.SentAt
	m.logs[c.ID] = cloneLog(&log)
	return true, nil
}

func (m *Memory) RetryEntry(_ context.Context, c Claim, attempts int, retryAfter time.Time, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.claimed(c)
	if q == nil {
		return false, nil
	}
	q.Status = domain.EntryRetry
	q.Attempts = attempts
	q.RetryAfter = timePtr(retryAfter)
	q.LastError = reason
	q.ClaimedAt = nil
	q.UpdatedAt = now
	return true, nil
}

func (m *Memory) FailEntry(_ context.Context, c Claim, attempts int, reason string, log domain.DeliveryLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.claimed(c)
	if q == nil {
		return false, nil
	}
	if _, dup := m.logs[c.ID]; dup {
		return false, ErrConflict
	}
	q.Status = domain.EntryFailed
	q.Attempts = attempts
	q.RetryAfter = nil
	q.LastError = reason
	q.ClaimedAt = nil
	q.UpdatedAt = log.SentAt
	m.logs[c.ID] = cloneLog(&log)
	return true, nil
}

func (m *Memory) CancelEntry(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if q.Status.Terminal() {
		return false, nil
	}
	q.Status = domain.EntryCancelled
	q.RetryAfter = nil
	q.ClaimedAt = nil
	q.UpdatedAt = now
	return true, nil
}

func (m *Memory) PurgeEntries(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, q := range m.entries {
		if q.Status.Terminal() && q.UpdatedAt.Before(before) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// ---- delivery logs ----

func (m *Memory) GetLogByEntry(_ context.Context, entryID string) (*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLog(l), nil
}

func (m *Memory) ReconcileCandidates(_ context.Context, since time.Time, limit int) ([]*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DeliveryLog
	for _, l := range m.logs {
		if (l.Status == domain.DeliverySent || l.Status == domain.DeliveryDelivered) &&
			l.ExternalID != "" && !l.SentAt.Before(since) {
			out = append(out, cloneLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *Memory) UpdateLogStatus(_ context.Context, u LogUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var l *domain.DeliveryLog
	for _, cand := range m.logs {
		if cand.ID == u.ID {
			l = cand
			break
		}
	}
	if l == nil || l.Status != u.From {
		return false, nil
	}
	applyLogUpdate(l, u)
	return true, nil
}

func applyLogUpdate(l *domain.DeliveryLog, u LogUpdate) {
	l.Status = u.To
	l.ExternalStatus = u.ExternalStatus
	if (u.To == domain.DeliveryDelivered || u.To == domain.DeliveryRead) && l.DeliveredAt == nil {
		l.DeliveredAt = timePtr(u.At)
	}
	if u.To == domain.DeliveryRead && l.ReadAt == nil {
		l.ReadAt = timePtr(u.At)
	}
	if u.Cost != nil {
		c := *u.Cost
		l.Cost = &c
		l.Currency = u.Currency
	}
	l.UpdatedAt = u.At
}

func (m *Memory) PurgeLogs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.logs {
		if l.SentAt.Before(before) {
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}
