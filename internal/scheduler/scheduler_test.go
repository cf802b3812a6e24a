package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"greetd/internal/domain"
	"greetd/internal/storage"
	logx "greetd/pkg/logx"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func event(date string, clock string, rec domain.Recurrence) *domain.Event {
	d, err := domain.ParseDate(date)
	if err != nil {
		panic(err)
	}
	c, err := domain.ParseClock(clock)
	if err != nil {
		panic(err)
	}
	return &domain.Event{
		ID:         "ev-1",
		AccountID:  "acct",
		EventType:  "Birthday",
		Recipient:  domain.Recipient{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Telegram: "42"},
		EventDate:  d,
		EventTime:  c,
		Recurrence: rec,
		Status:     domain.EventPending,
		Channels: map[domain.Channel]domain.ChannelOverride{
			domain.ChannelEmail:    {},
			domain.ChannelTelegram: {},
			domain.ChannelSMS:      {}, // no phone
		},
		DefaultMessage: "Happy birthday!",
	}
}

func TestNextExecution(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ev      func() *domain.Event
		now     time.Time
		want    *time.Time
		wantNil bool
	}{
		{
			name: "once in the past",
			ev:   func() *domain.Event { return event("2025-03-10", "09:00", domain.RecurOnce) },
			now:  at(2025, 3, 11, 0, 0),
			wantNil: true,
		},
		{
			name: "once completed",
			ev: func() *domain.Event {
				e := event("2030-03-10", "09:00", domain.RecurOnce)
				e.Status = domain.EventCompleted
				return e
			},
			now:     at(2025, 3, 11, 0, 0),
			wantNil: true,
		},
		{
			name: "advance notice ahead",
			ev: func() *domain.Event {
				e := event("2025-03-10", "09:00", domain.RecurOnce)
				e.AdvanceNoticeDays = 2
				return e
			},
			now:  at(2025, 3, 7, 8, 0),
			want: ptr(at(2025, 3, 8, 9, 0)),
		},
		{
			name: "advance notice passed falls back to the day",
			ev: func() *domain.Event {
				e := event("2025-03-10", "09:00", domain.RecurOnce)
				e.AdvanceNoticeDays = 2
				e.SendOnDay = true
				return e
			},
			now:  at(2025, 3, 9, 8, 0),
			want: ptr(at(2025, 3, 10, 9, 0)),
		},
		{
			name: "yearly rolls to the next anniversary",
			ev:   func() *domain.Event { return event("1990-06-15", "10:00", domain.RecurYearly) },
			now:  at(2025, 6, 15, 10, 0),
			want: ptr(at(2026, 6, 15, 10, 0)),
		},
		{
			name: "yearly advance notice recurs",
			ev: func() *domain.Event {
				e := event("1990-06-15", "10:00", domain.RecurYearly)
				e.AdvanceNoticeDays = 3
				return e
			},
			now:  at(2025, 6, 15, 10, 0),
			want: ptr(at(2026, 6, 12, 10, 0)),
		},
		{
			name: "leap day in a common year",
			ev:   func() *domain.Event { return event("2024-02-29", "09:00", domain.RecurYearly) },
			now:  at(2025, 1, 1, 0, 0),
			want: ptr(at(2025, 2, 28, 9, 0)),
		},
		{
			name: "leap day in a leap year",
			ev:   func() *domain.Event { return event("2024-02-29", "09:00", domain.RecurYearly) },
			now:  at(2027, 3, 1, 0, 0),
			want: ptr(at(2028, 2, 29, 9, 0)),
		},
		{
			name: "yearly advance notice after the day",
			ev: func() *domain.Event {
				e := event("2024-03-10", "09:00", domain.RecurYearly)
				e.AdvanceNoticeDays = 2
				return e
			},
			now:  at(2024, 3, 10, 10, 0),
			want: ptr(at(2025, 3, 8, 9, 0)),
		},
		{
			name: "custom keeps a passed occurrence",
			ev:   func() *domain.Event { return event("2025-03-10", "09:00", domain.RecurCustom) },
			now:  at(2025, 4, 1, 0, 0),
			want: ptr(at(2025, 3, 10, 9, 0)),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextExecution(tt.ev(), time.UTC, tt.now)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("got %v, want nil", *got)
				}
				return
			}
			if got == nil || !got.Equal(*tt.want) {
				t.Fatalf("got %v, want %v", got, *tt.want)
			}
		})
	}
}

func TestNextExecutionUsesAccountZone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	ev := event("2025-03-10", "09:00", domain.RecurOnce)
	got := NextExecution(ev, loc, at(2025, 3, 1, 0, 0))
	if got == nil || !got.Equal(at(2025, 3, 10, 2, 0)) {
		t.Fatalf("got %v, want 02:00 UTC", got)
	}
}

func ptr(t time.Time) *time.Time { return &t }

type stubRender struct {
	calls atomic.Int32
	err   error
}

func (s *stubRender) Render(context.Context, string, map[string]string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "renders/card.png", nil
}

func newTestScheduler(t *testing.T, now time.Time, r *stubRender) (*Scheduler, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	var seq atomic.Int64
	s := New(Config{}, st, r,
		WithClock(func() time.Time { return now }),
		WithIDs(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
	)
	return s, st
}

func TestFireYearlyReturnsToPending(t *testing.T) {
	t.Parallel()
	now := at(2025, 6, 15, 10, 0)
	s, st := newTestScheduler(t, at(2025, 1, 1, 0, 0), &stubRender{})
	ctx := context.Background()

	ev := event("1990-06-15", "10:00", domain.RecurYearly)
	ev.TemplateRef = "birthday.png"
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.NextExecution == nil || !ev.NextExecution.Equal(now) {
		t.Fatalf("next = %v, want %v", ev.NextExecution, now)
	}

	res, err := s.Fire(ctx, ev, now)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if !res.Claimed || res.Entries != 2 {
		t.Fatalf("res = %+v, want claimed with 2 entries", res)
	}
	got, _ := st.GetEvent(ctx, ev.ID)
	if got.Status != domain.EventPending || got.ExecutionCount != 1 {
		t.Fatalf("event = %s count=%d", got.Status, got.ExecutionCount)
	}
	if got.NextExecution == nil || !got.NextExecution.After(now) {
		t.Fatalf("next execution %v must be after %v", got.NextExecution, now)
	}

	due, _ := st.DuePending(ctx, now, 10)
	if len(due) != 2 {
		t.Fatalf("entries = %d, want 2", len(due))
	}
	for _, e := range due {
		if e.EventID != ev.ID || len(e.Attachments) != 1 || e.Attachments[0] != "renders/card.png" {
			t.Fatalf("entry = %+v", e)
		}
		if e.Subject != "Birthday - Ada Lovelace" {
			t.Fatalf("subject = %q", e.Subject)
		}
	}
}

func TestFireOnceCompletes(t *testing.T) {
	t.Parallel()
	now := at(2025, 3, 10, 9, 0)
	s, st := newTestScheduler(t, at(2025, 3, 1, 0, 0), &stubRender{})
	ctx := context.Background()
	ev := event("2025-03-10", "09:00", domain.RecurOnce)
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fire(ctx, ev, now); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetEvent(ctx, ev.ID)
	if got.Status != domain.EventCompleted || got.NextExecution != nil {
		t.Fatalf("event = %s next=%v", got.Status, got.NextExecution)
	}
}

func TestConcurrentFireCreatesOneEntrySet(t *testing.T) {
	t.Parallel()
	now := at(2025, 3, 10, 9, 0)
	r := &stubRender{}
	s, st := newTestScheduler(t, at(2025, 3, 1, 0, 0), r)
	ctx := context.Background()
	ev := event("2025-03-10", "09:00", domain.RecurOnce)
	ev.TemplateRef = "card.png"
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var claimed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Fire(ctx, ev, now)
			if err != nil {
				t.Errorf("fire: %v", err)
			}
			if res.Claimed {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	if claimed.Load() != 1 || r.calls.Load() != 1 {
		t.Fatalf("claimed=%d renders=%d, want 1 each", claimed.Load(), r.calls.Load())
	}
	due, _ := st.DuePending(ctx, now, 100)
	if len(due) != 2 {
		t.Fatalf("entries = %d, want 2", len(due))
	}
}

func TestFireRenderFailureMarksFailed(t *testing.T) {
	t.Parallel()
	now := at(2025, 3, 10, 9, 0)
	s, st := newTestScheduler(t, at(2025, 3, 1, 0, 0), &stubRender{err: errors.New("compositor down")})
	ctx := context.Background()
	ev := event("2025-03-10", "09:00", domain.RecurOnce)
	ev.TemplateRef = "card.png"
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fire(ctx, ev, now); err == nil {
		t.Fatal("expected render error")
	}
	got, _ := st.GetEvent(ctx, ev.ID)
	if got.Status != domain.EventFailed || got.LastError == "" {
		t.Fatalf("event = %s err=%q", got.Status, got.LastError)
	}
	if due, _ := st.DuePending(ctx, now, 10); len(due) != 0 {
		t.Fatalf("entries = %d, want 0", len(due))
	}

	if _, err := s.Reschedule(ctx, ev.ID); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	got, _ = st.GetEvent(ctx, ev.ID)
	if got.Status != domain.EventPending {
		t.Fatalf("status after reschedule = %s", got.Status)
	}
	if _, err := s.Reschedule(ctx, ev.ID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("second reschedule err = %v", err)
	}
}

func TestFireWithoutTemplateSkipsRender(t *testing.T) {
	t.Parallel()
	r := &stubRender{}
	s, _ := newTestScheduler(t, at(2025, 3, 1, 0, 0), r)
	ctx := context.Background()
	ev := event("2025-03-10", "09:00", domain.RecurOnce)
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fire(ctx, ev, at(2025, 3, 10, 9, 0)); err != nil {
		t.Fatal(err)
	}
	if r.calls.Load() != 0 {
		t.Fatal("renderer must not be called without a template")
	}
}

func TestTickAndCancel(t *testing.T) {
	t.Parallel()
	now := at(2025, 3, 10, 9, 0)
	s, st := newTestScheduler(t, now, &stubRender{})
	ctx := context.Background()

	due := event("2025-03-10", "09:00", domain.RecurOnce)
	later := event("2025-04-10", "09:00", domain.RecurOnce)
	later.ID = "ev-2"
	cancelled := event("2025-03-10", "08:00", domain.RecurOnce)
	cancelled.ID = "ev-3"
	for _, ev := range []*domain.Event{due, later, cancelled} {
		if err := s.Schedule(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Cancel(ctx, "ev-3"); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, "ev-3"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("second cancel err = %v", err)
	}
	if err := s.Cancel(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing cancel err = %v", err)
	}

	stats, err := s.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Due != 1 || stats.Fired != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := st.GetEvent(ctx, "ev-2")
	if got.Status != domain.EventPending {
		t.Fatalf("future event = %s", got.Status)
	}
}

func TestScheduleBulkJoinsErrors(t *testing.T) {
	t.Parallel()
	s, st := newTestScheduler(t, at(2025, 3, 1, 0, 0), &stubRender{})
	ctx := context.Background()
	tmpl := *event("2025-03-10", "09:00", domain.RecurOnce)
	ids, err := s.ScheduleBulk(ctx, tmpl, []domain.Recipient{
		{FirstName: "A", Email: "a@example.com"},
		{FirstName: "B", Email: "b@example.com"},
	})
	if err != nil || len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("ids=%v err=%v", ids, err)
	}
	got, _ := st.GetEvent(ctx, ids[1])
	if got.Recipient.FirstName != "B" {
		t.Fatalf("recipient = %+v", got.Recipient)
	}

	tmpl.AccountID = ""
	if _, err := s.ScheduleBulk(ctx, tmpl, []domain.Recipient{{FirstName: "C"}}); !errors.Is(err, domain.ErrEventAccount) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecalculateLeavesDueEventsForTick(t *testing.T) {
	t.Parallel()
	s, st := newTestScheduler(t, at(2025, 3, 1, 0, 0), &stubRender{})
	ctx := context.Background()
	ev := event("2025-03-10", "09:00", domain.RecurOnce)
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}
	// The scheduler tick is five minutes late; a recalculation runs first.
	s.now = func() time.Time { return at(2025, 3, 10, 9, 5) }
	if n, err := s.Recalculate(ctx); err != nil || n != 0 {
		t.Fatalf("recalculate = %d, %v", n, err)
	}
	got, _ := st.GetEvent(ctx, ev.ID)
	if got.NextExecution == nil || !got.NextExecution.Equal(at(2025, 3, 10, 9, 0)) {
		t.Fatalf("next = %v, want the original occurrence", got.NextExecution)
	}
	stats, err := s.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Due != 1 || stats.Fired != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ = st.GetEvent(ctx, ev.ID)
	if got.Status != domain.EventCompleted || got.ExecutionCount != 1 {
		t.Fatalf("event = %s count=%d", got.Status, got.ExecutionCount)
	}
}

func TestRecalculateAndSweep(t *testing.T) {
	t.Parallel()
	now := at(2025, 3, 1, 0, 0)
	s, st := newTestScheduler(t, now, &stubRender{})
	ctx := context.Background()
	ev := event("2025-03-10", "09:00", domain.RecurOnce)
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetNextExecution(ctx, ev.ID, ptr(at(2030, 1, 1, 0, 0)), now); err != nil {
		t.Fatal(err)
	}
	n, err := s.Recalculate(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recalculate = %d, %v", n, err)
	}
	if n, _ := s.Recalculate(ctx); n != 0 {
		t.Fatalf("second recalculate changed %d", n)
	}

	fireAt := at(2025, 3, 10, 9, 0)
	if ok, err := st.ClaimEvent(ctx, ev.ID, fireAt); !ok || err != nil {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	s.now = func() time.Time { return fireAt.Add(20 * time.Minute) }
	if n, err := s.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	got, _ := st.GetEvent(ctx, ev.ID)
	if got.Status != domain.EventPending {
		t.Fatalf("status = %s", got.Status)
	}
}

type cancelRender struct{ cancel context.CancelFunc }

func (c cancelRender) Render(context.Context, string, map[string]string) (string, error) {
	c.cancel()
	return "renders/card.png", nil
}

func TestFiringCommitsAfterTickCancel(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := at(2025, 6, 15, 10, 0)
	s := New(Config{}, st, cancelRender{cancel: cancel}, WithClock(func() time.Time { return at(2025, 1, 1, 0, 0) }))
	ev := event("1990-06-15", "10:00", domain.RecurYearly)
	ev.TemplateRef = "birthday.png"
	if err := s.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}

	res, err := s.Fire(ctx, ev, now)
	if err != nil || !res.Claimed || res.Discarded {
		t.Fatalf("fire = %+v, %v", res, err)
	}
	got, _ := st.GetEvent(context.Background(), ev.ID)
	if got.Status != domain.EventPending || got.ExecutionCount != 1 {
		t.Fatalf("event = %s count=%d", got.Status, got.ExecutionCount)
	}
	if got.NextExecution == nil || !got.NextExecution.Equal(at(2026, 6, 15, 10, 0)) {
		t.Fatalf("next = %v", got.NextExecution)
	}
}
