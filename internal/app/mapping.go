package app

import (
	"fmt"
	"strings"
	"time"

	"greetd/internal/account"
	"greetd/internal/admin"
	"greetd/internal/channel"
	"greetd/internal/config"
	"greetd/internal/domain"
	"greetd/internal/housekeeping"
	"greetd/internal/queue"
	"greetd/internal/ratelimit"
	"greetd/internal/reconcile"
	"greetd/internal/scheduler"
	"greetd/internal/storage"
	logx "greetd/pkg/logx"
)

// The map* helpers turn file config (strings, optional sections) into the
// typed component configs. They are also the reload validators: a config
// that fails to map is rejected before it is committed.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or %sDATABASE_URL) is required when storage.driver=postgres", config.EnvPrefix)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %q", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	var d durations
	out := scheduler.Config{
		BatchSize:     cfg.Scheduler.BatchSize,
		RenderTimeout: d.get("scheduler.render_timeout", cfg.Scheduler.RenderTimeout, 60*time.Second),
		StaleAfter:    d.get("scheduler.stale_after", cfg.Scheduler.StaleAfter, 15*time.Minute),
	}
	return out, d.err
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	var d durations
	q := cfg.Queue
	out := queue.Config{
		PendingBatch:    q.PendingBatch,
		RetryBatch:      q.RetryBatch,
		BackoffBase:     d.get("queue.backoff_base", q.BackoffBase, 5*time.Minute),
		MaxAttempts:     q.MaxAttempts,
		DispatchTimeout: d.get("queue.dispatch_timeout", q.DispatchTimeout, 30*time.Second),
		StaleAfter:      d.get("queue.stale_after", q.StaleAfter, 15*time.Minute),
	}
	return out, d.err
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	rl := cfg.RateLimit
	out := ratelimit.Config{
		Enabled: rl.Enabled == nil || *rl.Enabled,
		Scope:   ratelimit.Scope(strings.ToLower(strings.TrimSpace(rl.Scope))),
		Default: ratelimit.DefaultLimits,
	}
	switch out.Scope {
	case "", ratelimit.ScopeAccount, ratelimit.ScopeGlobal:
	default:
		return ratelimit.Config{}, fmt.Errorf("rate_limit.scope: unknown scope %q", rl.Scope)
	}
	if rl.Default != nil {
		out.Default = limits(*rl.Default)
	}
	if len(rl.Channels) > 0 {
		out.Channels = make(map[domain.Channel]ratelimit.Limits, len(rl.Channels))
		for name, l := range rl.Channels {
			ch, err := domain.ParseChannel(name)
			if err != nil {
				return ratelimit.Config{}, fmt.Errorf("rate_limit.channels.%s: %w", name, err)
			}
			out.Channels[ch] = limits(l)
		}
	}
	return out, nil
}

func limits(l config.LimitsConfig) ratelimit.Limits {
	return ratelimit.Limits{PerMinute: l.PerMinute, PerHour: l.PerHour, PerDay: l.PerDay}
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	var d durations
	out := reconcile.Config{
		Window:      d.get("reconciler.window", cfg.Reconciler.Window, 24*time.Hour),
		BatchSize:   cfg.Reconciler.BatchSize,
		PollTimeout: d.get("reconciler.poll_timeout", cfg.Reconciler.PollTimeout, 15*time.Second),
	}
	return out, d.err
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	var d durations
	out := housekeeping.Config{
		EntryRetention: d.get("housekeeping.entry_retention", cfg.Housekeeping.EntryRetention, 30*24*time.Hour),
		LogRetention:   d.get("housekeeping.log_retention", cfg.Housekeeping.LogRetention, 90*24*time.Hour),
	}
	return out, d.err
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	var d durations
	a := cfg.Admin
	out := admin.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   d.get("admin.read_timeout", a.ReadTimeout, 10*time.Second),
		WriteTimeout:  d.get("admin.write_timeout", a.WriteTimeout, 0),
		IdleTimeout:   d.get("admin.idle_timeout", a.IdleTimeout, 60*time.Second),
	}
	return out, d.err
}

func mapAccounts(cfg *config.Config) ([]account.Account, error) {
	out := make([]account.Account, 0, len(cfg.Accounts.List))
	for _, a := range cfg.Accounts.List {
		acc := account.Account{ID: a.ID, TimeZone: a.Timezone}
		if len(a.Channels) > 0 {
			acc.Channels = make(map[domain.Channel]channel.Credentials, len(a.Channels))
			for name, c := range a.Channels {
				ch, err := domain.ParseChannel(name)
				if err != nil {
					return nil, fmt.Errorf("accounts %s: %w", a.ID, err)
				}
				acc.Channels[ch] = channel.Credentials{
					Host:     c.Host,
					Port:     c.Port,
					Username: c.Username,
					Secret:   c.Secret,
					From:     c.From,
					FromName: c.FromName,
				}
			}
		}
		out = append(out, acc)
	}
	return out, nil
}

// durations collects the first parse error so a mapping reads top to bottom.
type durations struct{ err error }

func (d *durations) get(path, raw string, def time.Duration) time.Duration {
	v, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}
