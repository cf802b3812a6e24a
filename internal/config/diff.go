package config

import (
	"reflect"
	"sort"
	"strings"

	logx "greetd/pkg/logx"
)

// restartSections only take effect after a restart.
var restartSections = map[string]bool{
	"storage":  true,
	"redis":    true,
	"channels": true,
	"render":   true,
	"blob":     true,
	"admin":    true,
	"tasks":    true,
}

// SummarizeChange returns (1) the sorted list of changed sections, (2) safe
// structured attrs for logging (never includes secrets) and (3) the changed
// sections that need a restart to take effect.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// DSN and password may embed credentials; compare by hash, log presence only.
	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		hashJSON(oldCfg.Storage.DSN) != hashJSON(newCfg.Storage.DSN) ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout ||
		oldCfg.Storage.MaxConns != newCfg.Storage.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}
	if hashJSON(oldCfg.Redis) != hashJSON(newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize))
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.pending_batch", newCfg.Queue.PendingBatch),
			logx.Int("queue.retry_batch", newCfg.Queue.RetryBatch),
			logx.String("queue.backoff_base", newCfg.Queue.BackoffBase),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
		)
	}
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		enabled := newCfg.RateLimit.Enabled == nil || *newCfg.RateLimit.Enabled
		attrs = append(attrs,
			logx.Bool("rate_limit.enabled", enabled),
			logx.String("rate_limit.scope", newCfg.RateLimit.Scope),
			logx.Int("rate_limit.channel_overrides", len(newCfg.RateLimit.Channels)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reconciler, newCfg.Reconciler) {
		changed = append(changed, "reconciler")
		attrs = append(attrs, logx.String("reconciler.window", newCfg.Reconciler.Window))
	}
	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
	}
	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
	}

	if hashJSON(oldCfg.Channels) != hashJSON(newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Bool("channels.email", newCfg.Channels.Email != nil),
			logx.Bool("channels.sms", newCfg.Channels.SMS != nil),
			logx.Bool("channels.whatsapp", newCfg.Channels.WhatsApp != nil),
			logx.Bool("channels.telegram", newCfg.Channels.Telegram != nil),
		)
	}
	if !reflect.DeepEqual(oldCfg.Render, newCfg.Render) {
		changed = append(changed, "render")
	}
	if !reflect.DeepEqual(oldCfg.Blob, newCfg.Blob) {
		changed = append(changed, "blob")
	}
	if hashJSON(oldCfg.Accounts) != hashJSON(newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs, logx.Int("accounts.count", len(newCfg.Accounts.List)))
	}

	// Admin (never log token)
	if oldCfg.Admin.Enabled != newCfg.Admin.Enabled ||
		strings.TrimSpace(oldCfg.Admin.Addr) != strings.TrimSpace(newCfg.Admin.Addr) ||
		oldCfg.Admin.AllowInsecure != newCfg.Admin.AllowInsecure ||
		oldCfg.Admin.Pprof != newCfg.Admin.Pprof ||
		oldCfg.Admin.ReadTimeout != newCfg.Admin.ReadTimeout ||
		oldCfg.Admin.WriteTimeout != newCfg.Admin.WriteTimeout ||
		oldCfg.Admin.IdleTimeout != newCfg.Admin.IdleTimeout ||
		hashJSON(oldCfg.Admin.Token) != hashJSON(newCfg.Admin.Token) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
