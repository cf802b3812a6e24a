package metrics

import (
	"context"
	"testing"
	"time"

	"greetd/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.EventFired, Data: eventbus.Payload{ID: "ev", Count: 3, Took: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.EntryRateLimited, Data: eventbus.Payload{Channel: "sms"}})
	m.Observe(eventbus.Event{Type: eventbus.EntryRateLimited, Data: eventbus.Payload{Channel: "sms"}})
	m.Observe(eventbus.Event{Type: eventbus.EntrySent, Data: eventbus.Payload{Channel: "email"}})
	m.Observe(eventbus.Event{Type: "unrelated", Data: "x"})
	m.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.Payload{ID: "queue", Took: time.Millisecond, Err: "db down"}})

	if got := testutil.ToFloat64(m.entriesCreated); got != 3 {
		t.Fatalf("entries created = %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimited.WithLabelValues("sms")); got != 2 {
		t.Fatalf("rate limited = %v", got)
	}
	if got := testutil.ToFloat64(m.sent.WithLabelValues("email")); got != 1 {
		t.Fatalf("sent = %v", got)
	}
	if got := testutil.ToFloat64(m.taskRuns.WithLabelValues("queue", "error")); got != 1 {
		t.Fatalf("task runs = %v", got)
	}

	n, err := testutil.GatherAndCount(m.Registry, "greetd_queue_rate_limited_total")
	if err != nil || n != 1 {
		t.Fatalf("gather = %d, %v", n, err)
	}
}

func TestRunFollowsBus(t *testing.T) {
	t.Parallel()
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.eventsFailed) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bus event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.EventFireFailed, Data: eventbus.Payload{ID: "ev"}})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
