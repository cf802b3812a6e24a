package channel

import (
	"fmt"
	"sort"
	"sync"

	"greetd/internal/domain"
)

// Registry maps channel ids to adapters. Lookups never branch on names.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[domain.Channel]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Channel().
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Channel()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(ch domain.Channel) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, ch)
	}
	return a, nil
}

func (r *Registry) Has(ch domain.Channel) bool {
	r.mu.RLock()
	_, ok := r.adapters[ch]
	r.mu.RUnlock()
	return ok
}

// Poller returns the status poller for ch when its adapter supports one.
func (r *Registry) Poller(ch domain.Channel) (StatusPoller, bool) {
	a, err := r.Get(ch)
	if err != nil {
		return nil, false
	}
	p, ok := a.(StatusPoller)
	return p, ok
}

func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
