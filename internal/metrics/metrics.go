// Package metrics exposes pipeline counters to Prometheus. Components never
// call it directly; it follows the event bus.
package metrics

import (
	"context"

	"greetd/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "greetd"

type Metrics struct {
	Registry *prometheus.Registry

	eventsFired    prometheus.Counter
	eventsFailed   prometheus.Counter
	entriesCreated prometheus.Counter
	fireDuration   prometheus.Histogram
	sent           *prometheus.CounterVec
	retried        *prometheus.CounterVec
	failed         *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	swept          *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	taskRuns       *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		eventsFired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_fired_total",
			Help:      "Events fired successfully.",
		}),
		eventsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_failed_total",
			Help:      "Firings that left the event failed.",
		}),
		entriesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "entries_created_total",
			Help:      "Queue entries created by firings.",
		}),
		fireDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fire_duration_seconds",
			Help:      "Time from claim to commit of a firing, render included.",
			Buckets:   prometheus.DefBuckets,
		}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sent_total",
			Help:      "Notifications delivered to the provider.",
		}, []string{"channel"}),
		retried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retried_total",
			Help:      "Failed attempts scheduled for retry.",
		}, []string{"channel"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "failed_total",
			Help:      "Notifications that ended terminally failed.",
		}, []string{"channel"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rate_limited_total",
			Help:      "Dispatches deferred by the rate limiter.",
		}, []string{"channel"}),
		swept: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "swept_total",
			Help:      "Stale processing entries charged an attempt by the sweep.",
		}, []string{"channel", "status"}),
		reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "reconciled_total",
			Help:      "Delivery log status changes pulled from providers.",
		}, []string{"channel", "status"}),
		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Periodic task runs by outcome.",
		}, []string{"task", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Periodic task run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
	}
}

// Observe records one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	p, ok := e.Data.(eventbus.Payload)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.EventFired:
		m.eventsFired.Inc()
		m.entriesCreated.Add(float64(p.Count))
		m.fireDuration.Observe(p.Took.Seconds())
	case eventbus.EventFireFailed:
		m.eventsFailed.Inc()
	case eventbus.EntrySent:
		m.sent.WithLabelValues(p.Channel).Inc()
	case eventbus.EntryRetry:
		m.retried.WithLabelValues(p.Channel).Inc()
	case eventbus.EntryFailed:
		m.failed.WithLabelValues(p.Channel).Inc()
	case eventbus.EntryRateLimited:
		m.rateLimited.WithLabelValues(p.Channel).Inc()
	case eventbus.EntrySwept:
		m.swept.WithLabelValues(p.Channel, p.Status).Inc()
	case eventbus.DeliveryReconciled:
		m.reconciled.WithLabelValues(p.Channel, p.Status).Inc()
	case eventbus.TaskFinished:
		result := "ok"
		if p.Err != "" {
			result = "error"
		}
		m.taskRuns.WithLabelValues(p.ID, result).Inc()
		m.taskDuration.WithLabelValues(p.ID).Observe(p.Took.Seconds())
	}
}

// Run feeds bus events into the collectors until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
