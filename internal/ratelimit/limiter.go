package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"greetd/internal/domain"
	logx "greetd/pkg/logx"
)

// Window is one fixed counting window. Limit <= 0 means unlimited.
type Window struct {
	Length time.Duration
	Limit  int
}

// CounterStore keeps window counters keyed by (key, window length).
//
// Take must be atomic per key: reset every elapsed window (count 0, start
// now), deny if any window is at its limit, otherwise increment all windows
// and allow.
type CounterStore interface {
	Take(ctx context.Context, key string, windows []Window, now time.Time) (bool, error)
}

// Limits are per-channel caps for the three fixed windows.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (l Limits) Windows() []Window {
	return []Window{
		{Length: time.Minute, Limit: l.PerMinute},
		{Length: time.Hour, Limit: l.PerHour},
		{Length: 24 * time.Hour, Limit: l.PerDay},
	}
}

func (l Limits) Unlimited() bool { return l.PerMinute <= 0 && l.PerHour <= 0 && l.PerDay <= 0 }

// Scope selects whose sends share a counter.
type Scope string

const (
	ScopeAccount Scope = "account"
	ScopeGlobal  Scope = "global"
)

// DefaultLimits match the channel defaults of the delivery pipeline.
var DefaultLimits = Limits{PerMinute: 10, PerHour: 100, PerDay: 1000}

type Config struct {
	Enabled  bool
	Scope    Scope
	Default  Limits
	Channels map[domain.Channel]Limits
}

// Limiter answers allow(channel, scope) against a shared CounterStore.
type Limiter struct {
	mu    sync.RWMutex
	cfg   Config
	store CounterStore
	log   logx.Logger
}

func New(cfg Config, store CounterStore, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{store: store, log: log}
	l.Apply(cfg)
	return l
}

func (l *Limiter) Apply(cfg Config) {
	if cfg.Scope == "" {
		cfg.Scope = ScopeAccount
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Limiter) limitsFor(ch domain.Channel) (Limits, Config) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lim, ok := l.cfg.Channels[ch]; ok {
		return lim, l.cfg
	}
	return l.cfg.Default, l.cfg
}

// Key is the counter key for a channel and scope.
func Key(ch domain.Channel, scope Scope, accountID string) string {
	if scope == ScopeGlobal || strings.TrimSpace(accountID) == "" {
		return "rl:" + string(ch) + ":global"
	}
	return "rl:" + string(ch) + ":acct:" + accountID
}

// Allow consumes one send on ch for accountID if every window has room.
func (l *Limiter) Allow(ctx context.Context, ch domain.Channel, accountID string, now time.Time) (bool, error) {
	lim, cfg := l.limitsFor(ch)
	if !cfg.Enabled || lim.Unlimited() {
		return true, nil
	}
	key := Key(ch, cfg.Scope, accountID)
	ok, err := l.store.Take(ctx, key, lim.Windows(), now)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if !ok {
		l.log.Debug("rate limited", logx.String("key", key))
	}
	return ok, nil
}

// counter is the state of one window.
type counter struct {
	Start time.Time
	Hits  int
}

// step resets elapsed windows and reports whether all windows have room;
// when they do it increments them.
func step(counters []counter, windows []Window, now time.Time) bool {
	allowed := true
	for i, w := range windows {
		if counters[i].Start.IsZero() || now.Sub(counters[i].Start) >= w.Length {
			counters[i] = counter{Start: now}
		}
		if w.Limit > 0 && counters[i].Hits >= w.Limit {
			allowed = false
		}
	}
	if allowed {
		for i := range counters {
			counters[i].Hits++
		}
	}
	return allowed
}

// Step exposes the fixed-window rule for stores living in other packages.
// starts and hits are updated in place.
func Step(starts []time.Time, hits []int, windows []Window, now time.Time) bool {
	cs := make([]counter, len(windows))
	for i := range cs {
		cs[i] = counter{Start: starts[i], Hits: hits[i]}
	}
	ok := step(cs, windows, now)
	for i := range cs {
		starts[i], hits[i] = cs[i].Start, cs[i].Hits
	}
	return ok
}
