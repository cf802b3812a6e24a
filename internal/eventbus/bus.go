package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipeline lifecycle signals. Data carries a Payload.
const (
	EventFired         = "event.fired"
	EventFireFailed    = "event.fire_failed"
	EntrySent          = "notification.sent"
	EntryRetry         = "notification.retry"
	EntryFailed        = "notification.failed"
	EntryRateLimited   = "notification.rate_limited"
	EntrySwept         = "notification.swept"
	DeliveryReconciled = "delivery.reconciled"
	TaskFinished       = "task.finished"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks; subscribers use buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Payload is the Data of pipeline events.
type Payload struct {
	ID       string
	Channel  string
	Status   string
	Attempts int
	Count    int
	Took     time.Duration
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls, so the
			// close cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
