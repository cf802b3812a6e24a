package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"greetd/internal/config"
	"greetd/internal/housekeeping"
	"greetd/internal/task"
	logx "greetd/pkg/logx"
)

// Task names, also used by the admin API and as metric labels.
const (
	TaskScheduler    = "scheduler"
	TaskQueue        = "queue"
	TaskSweep        = "sweep"
	TaskReconciler   = "reconciler"
	TaskHousekeeping = "housekeeping"
	TaskRecalculate  = "recalculate"
)

func orDefault(raw, def string) string {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	return raw
}

func (a *App) registerTasks(tc config.TasksConfig) error {
	timeout, err := config.ParseDurationOrDefault("tasks.timeout", tc.Timeout, 5*time.Minute)
	if err != nil {
		return err
	}
	defs := []task.Def{
		{Name: TaskScheduler, Schedule: orDefault(tc.Scheduler, "1m"), Run: a.tickScheduler},
		{Name: TaskQueue, Schedule: orDefault(tc.Queue, "30s"), Run: a.tickQueue},
		{Name: TaskSweep, Schedule: orDefault(tc.Sweep, "5m"), Run: a.sweep},
		{Name: TaskReconciler, Schedule: orDefault(tc.Reconciler, "5m"), Run: a.tickReconciler},
		{Name: TaskHousekeeping, Schedule: orDefault(tc.Housekeeping, "@daily"), Run: a.cleanup},
		{Name: TaskRecalculate, Schedule: orDefault(tc.Recalculate, "@daily"), Run: a.recalculate},
	}
	for _, d := range defs {
		d.Timeout = timeout
		if err := a.runner.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) tickScheduler(ctx context.Context) error {
	st, err := a.sched.Tick(ctx)
	if st.Discarded > 0 {
		a.log.Info("due events discarded", logx.Int("discarded", st.Discarded))
	}
	return err
}

func (a *App) tickQueue(ctx context.Context) error {
	_, err := a.queue.Tick(ctx, a.now())
	return err
}

func (a *App) sweep(ctx context.Context) error {
	events, errE := a.sched.Sweep(ctx)
	entries, errQ := a.queue.Sweep(ctx)
	if events > 0 || entries > 0 {
		a.log.Warn("stale processing swept", logx.Int("events", events), logx.Int("entries", entries))
	}
	return errors.Join(errE, errQ)
}

func (a *App) tickReconciler(ctx context.Context) error {
	n, err := a.reconciler.Tick(ctx)
	if n > 0 {
		a.log.Debug("delivery statuses reconciled", logx.Int("updated", n))
	}
	return err
}

func (a *App) cleanup(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.hkCfg
	a.mu.Unlock()
	_, err := housekeeping.Cleanup(ctx, a.store, cfg, a.now(), a.base.With(logx.String("comp", "housekeeping")))
	return err
}

func (a *App) recalculate(ctx context.Context) error {
	n, err := a.sched.Recalculate(ctx)
	if n > 0 {
		a.log.Info("next executions recalculated", logx.Int("changed", n))
	}
	return err
}
