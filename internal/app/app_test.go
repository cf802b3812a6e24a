package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"greetd/internal/config"
	"greetd/internal/domain"
	"greetd/internal/ratelimit"
)

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "memory"}}

	q, err := mapQueueConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if q.BackoffBase != 5*time.Minute || q.DispatchTimeout != 30*time.Second || q.StaleAfter != 15*time.Minute {
		t.Fatalf("queue = %+v", q)
	}
	s, _ := mapSchedulerConfig(cfg)
	if s.RenderTimeout != time.Minute {
		t.Fatalf("scheduler = %+v", s)
	}
	r, _ := mapReconcileConfig(cfg)
	if r.Window != 24*time.Hour {
		t.Fatalf("reconcile = %+v", r)
	}
	h, _ := mapHousekeepingConfig(cfg)
	if h.EntryRetention != 30*24*time.Hour || h.LogRetention != 90*24*time.Hour {
		t.Fatalf("housekeeping = %+v", h)
	}
	rl, _ := mapRateLimitConfig(cfg)
	if !rl.Enabled || rl.Default != ratelimit.DefaultLimits {
		t.Fatalf("rate limit = %+v", rl)
	}
}

func TestMapRateLimitOverrides(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{RateLimit: config.RateLimitConfig{
		Enabled: &off,
		Scope:   "Global",
		Default: &config.LimitsConfig{PerMinute: 1, PerHour: 2, PerDay: 3},
		Channels: map[string]config.LimitsConfig{
			"whatsapp": {PerMinute: 20},
		},
	}}
	rl, err := mapRateLimitConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rl.Enabled || rl.Scope != ratelimit.ScopeGlobal || rl.Default.PerDay != 3 {
		t.Fatalf("rate limit = %+v", rl)
	}
	if rl.Channels[domain.ChannelWhatsApp].PerMinute != 20 {
		t.Fatalf("channels = %+v", rl.Channels)
	}
}

func TestMapErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		fn   func(*config.Config) error
		cfg  config.Config
	}{
		{"sqlite without path", func(c *config.Config) error { _, err := mapStorageConfig(c); return err },
			config.Config{Storage: config.StorageConfig{Driver: "sqlite"}}},
		{"postgres without dsn", func(c *config.Config) error { _, err := mapStorageConfig(c); return err },
			config.Config{Storage: config.StorageConfig{Driver: "postgres"}}},
		{"bad backoff", func(c *config.Config) error { _, err := mapQueueConfig(c); return err },
			config.Config{Queue: config.QueueConfig{BackoffBase: "-1s"}}},
		{"bad scope", func(c *config.Config) error { _, err := mapRateLimitConfig(c); return err },
			config.Config{RateLimit: config.RateLimitConfig{Scope: "tenant"}}},
		{"bad account channel", func(c *config.Config) error { _, err := mapAccounts(c); return err },
			config.Config{Accounts: config.AccountsConfig{List: []config.AccountConfig{{ID: "a", Channels: map[string]config.CredentialsConfig{"pager": {}}}}}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.fn(&tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

const appYAML = `
logging:
  level: error
storage:
  driver: memory
channels:
  email:
    host: 127.0.0.1
    port: 2525
    from: hello@example.com
accounts:
  default_timezone: UTC
  list:
    - id: acct
      timezone: Asia/Jakarta
`

func TestAppFiresDueEvents(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(appYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopUnknown)
	}()

	yesterday := time.Now().AddDate(0, 0, -1)
	ev := &domain.Event{
		AccountID:  "acct",
		Recipient:  domain.Recipient{FirstName: "Ada", Email: "ada@example.com"},
		EventType:  "Birthday",
		EventDate:  domain.Date{Year: yesterday.Year(), Month: yesterday.Month(), Day: yesterday.Day()},
		Recurrence: domain.RecurYearly,
		Channels:   map[domain.Channel]domain.ChannelOverride{domain.ChannelEmail: {}},
	}
	if err := a.sched.Schedule(ctx, ev); err != nil {
		t.Fatal(err)
	}
	// A yearly event dated yesterday is next due in a year; make it due now.
	due := time.Now().Add(-time.Minute)
	if ok, err := a.store.SetNextExecution(ctx, ev.ID, &due, time.Now()); err != nil || !ok {
		t.Fatalf("set next execution: %v %v", ok, err)
	}
	if err := a.runner.RunNow(ctx, TaskScheduler); err != nil {
		t.Fatal(err)
	}
	stored, err := a.store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExecutionCount != 1 || stored.Status != domain.EventPending {
		t.Fatalf("event = %s count=%d", stored.Status, stored.ExecutionCount)
	}

	names := []string{}
	for _, info := range a.runner.Tasks() {
		names = append(names, info.Name)
	}
	if got := strings.Join(names, ","); got != "housekeeping,queue,recalculate,reconciler,scheduler,sweep" {
		t.Fatalf("tasks = %s", got)
	}
	if err := a.health(ctx); err != nil {
		t.Fatal(err)
	}
}
