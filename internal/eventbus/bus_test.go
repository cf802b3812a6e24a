package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: EntrySent})
	b.Publish(Event{Type: EntryFailed}) // dropped for a

	if got := (<-a).Type; got != EntrySent {
		t.Fatalf("a got %q", got)
	}
	if len(c) != 2 {
		t.Fatalf("c buffered %d events, want 2", len(c))
	}
	e := <-c
	if e.Time.IsZero() {
		t.Fatal("publish should stamp time")
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: EntryRetry})
}
