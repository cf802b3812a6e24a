// Package reconcile pulls asynchronous delivery receipts from providers into
// the delivery log.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
	"greetd/internal/eventbus"
	"greetd/internal/storage"
	logx "greetd/pkg/logx"
)

type Config struct {
	// Window bounds how far back sent logs are polled.
	Window      time.Duration
	BatchSize   int
	PollTimeout time.Duration
}

// Pollers looks up the status poller for a channel.
type Pollers interface {
	Poller(ch domain.Channel) (channel.StatusPoller, bool)
}

type Reconciler struct {
	mu  sync.RWMutex
	cfg Config

	logs    storage.LogStore
	pollers Pollers
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, logs storage.LogStore, pollers Pollers, bus eventbus.Bus, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	r := &Reconciler{logs: logs, pollers: pollers, bus: bus, log: log.With(logx.String("comp", "reconcile")), now: time.Now}
	r.Apply(cfg)
	return r
}

func (r *Reconciler) Apply(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 15 * time.Second
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Reconciler) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Reconcile polls the provider for one log entry and stores the mapped
// status when it differs from the current one. It reports whether the log
// changed; logs on channels without receipts or without an external id are
// skipped.
func (r *Reconciler) Reconcile(ctx context.Context, l *domain.DeliveryLog) (bool, error) {
	if l.ExternalID == "" || l.Status.Settled() {
		return false, nil
	}
	p, ok := r.pollers.Poller(l.Channel)
	if !ok {
		return false, nil
	}
	pctx, cancel := context.WithTimeout(ctx, r.config().PollTimeout)
	defer cancel()
	st, err := p.Status(pctx, l.AccountID, l.ExternalID)
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", l.ExternalID, err)
	}
	if st.Mapped == "" || st.Mapped == l.Status {
		return false, nil
	}
	ok, err = r.logs.UpdateLogStatus(ctx, storage.LogUpdate{
		ID:             l.ID,
		From:           l.Status,
		To:             st.Mapped,
		ExternalStatus: st.External,
		At:             r.now(),
		Cost:           st.Cost,
		Currency:       st.Currency,
	})
	if err != nil || !ok {
		return false, err
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.DeliveryReconciled, Data: eventbus.Payload{
		ID: l.EntryID, Channel: string(l.Channel), Status: string(st.Mapped),
	}})
	r.log.Debug("delivery status updated",
		logx.String("entry_id", l.EntryID),
		logx.String("from", string(l.Status)),
		logx.String("to", string(st.Mapped)),
	)
	return true, nil
}

// Tick reconciles recent logs. Poll errors are logged and skipped.
func (r *Reconciler) Tick(ctx context.Context) (updated int, err error) {
	cfg := r.config()
	logs, err := r.logs.ReconcileCandidates(ctx, r.now().Add(-cfg.Window), cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, l := range logs {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		changed, err := r.Reconcile(ctx, l)
		if err != nil {
			r.log.Warn("reconcile failed", logx.String("entry_id", l.EntryID), logx.Err(err))
			continue
		}
		if changed {
			updated++
		}
	}
	if updated > 0 {
		r.log.Info("delivery statuses reconciled", logx.Int("updated", updated), logx.Int("polled", len(logs)))
	}
	return updated, nil
}
