package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
	"greetd/internal/eventbus"
	"greetd/internal/storage"
	logx "greetd/pkg/logx"
)

type fakePoller struct {
	calls  atomic.Int32
	status channel.Status
	err    error
}

func (f *fakePoller) Status(context.Context, string, string) (channel.Status, error) {
	f.calls.Add(1)
	return f.status, f.err
}

type pollers map[domain.Channel]channel.StatusPoller

func (p pollers) Poller(ch domain.Channel) (channel.StatusPoller, bool) {
	v, ok := p[ch]
	return v, ok
}

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func seedSent(t *testing.T, st *storage.Memory, id string, ch domain.Channel, externalID string) {
	t.Helper()
	ctx := context.Background()
	e := &domain.QueueEntry{ID: id, AccountID: "acct", Channel: ch, RecipientAddress: "+15550100", Body: "hi"}
	e.Normalize(t0)
	if err := st.InsertEntries(ctx, e); err != nil {
		t.Fatal(err)
	}
	if ok, _ := st.ClaimEntry(ctx, id, domain.EntryPending, t0); !ok {
		t.Fatal("claim")
	}
	l := domain.LogFor("log-"+id, e, domain.DeliverySent, t0)
	l.ExternalID = externalID
	if ok, err := st.CompleteEntry(ctx, storage.Claim{ID: id, At: t0}, l); !ok || err != nil {
		t.Fatalf("complete: %v %v", ok, err)
	}
}

func TestReconcileSetsDeliveredOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedSent(t, st, "e1", domain.ChannelWhatsApp, "X")
	cost := 0.0075
	p := &fakePoller{status: channel.Status{External: "delivered", Mapped: domain.DeliveryDelivered, Cost: &cost, Currency: "USD"}}
	r := New(Config{}, st, pollers{domain.ChannelWhatsApp: p}, eventbus.Nop(), logx.Nop())
	at := t0.Add(time.Minute)
	r.now = func() time.Time { return at }
	ctx := context.Background()

	l, _ := st.GetLogByEntry(ctx, "e1")
	changed, err := r.Reconcile(ctx, l)
	if err != nil || !changed {
		t.Fatalf("first reconcile = %v, %v", changed, err)
	}
	l, _ = st.GetLogByEntry(ctx, "e1")
	if l.Status != domain.DeliveryDelivered || l.DeliveredAt == nil || !l.DeliveredAt.Equal(at) {
		t.Fatalf("log = %+v", l)
	}
	if l.Cost == nil || *l.Cost != cost || l.Currency != "USD" {
		t.Fatalf("cost = %v %q", l.Cost, l.Currency)
	}

	at = at.Add(time.Hour)
	changed, err = r.Reconcile(ctx, l)
	if err != nil || changed {
		t.Fatalf("repeat reconcile = %v, %v", changed, err)
	}
	again, _ := st.GetLogByEntry(ctx, "e1")
	if !again.UpdatedAt.Equal(l.UpdatedAt) || !again.DeliveredAt.Equal(*l.DeliveredAt) {
		t.Fatal("repeat reconcile must not write")
	}
}

func TestReconcileSkips(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedSent(t, st, "mail", domain.ChannelEmail, "mail")
	seedSent(t, st, "noid", domain.ChannelSMS, "")
	seedSent(t, st, "queued", domain.ChannelSMS, "SM1")
	p := &fakePoller{status: channel.Status{External: "sending"}}
	r := New(Config{}, st, pollers{domain.ChannelSMS: p}, nil, logx.Nop())
	r.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := r.Tick(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("tick = %d, %v", n, err)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("polls = %d, want 1 (only the sms log with an id)", p.calls.Load())
	}
}

func TestTickContinuesPastErrors(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedSent(t, st, "a", domain.ChannelSMS, "SM1")
	seedSent(t, st, "b", domain.ChannelWhatsApp, "SM2")
	bad := &fakePoller{err: errors.New("twilio 503")}
	good := &fakePoller{status: channel.Status{External: "read", Mapped: domain.DeliveryRead}}
	r := New(Config{}, st, pollers{domain.ChannelSMS: bad, domain.ChannelWhatsApp: good}, nil, logx.Nop())
	r.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := r.Tick(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("tick = %d, %v", n, err)
	}
	l, _ := st.GetLogByEntry(context.Background(), "b")
	if l.ReadAt == nil || l.DeliveredAt == nil {
		t.Fatalf("read implies delivered: %+v", l)
	}

	r.now = func() time.Time { return t0.Add(48 * time.Hour) }
	if n, _ := r.Tick(context.Background()); n != 0 || bad.calls.Load() != 1 {
		t.Fatal("logs outside the window must not be polled")
	}
}
