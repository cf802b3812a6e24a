package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]map[time.Duration]counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: map[string]map[time.Duration]counter{}}
}

func (m *MemoryStore) Take(_ context.Context, key string, windows []Window, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byLen := m.counters[key]
	if byLen == nil {
		byLen = map[time.Duration]counter{}
		m.counters[key] = byLen
	}
	cs := make([]counter, len(windows))
	for i, w := range windows {
		cs[i] = byLen[w.Length]
	}
	ok := step(cs, windows, now)
	for i, w := range windows {
		byLen[w.Length] = cs[i]
	}
	return ok, nil
}
