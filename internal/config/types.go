package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Redis is optional. When set, rate-limit counters are shared through it.
	Redis *RedisConfig `json:"redis,omitempty"`

	Scheduler    SchedulerConfig    `json:"scheduler"`
	Queue        QueueConfig        `json:"queue"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
	Reconciler   ReconcilerConfig   `json:"reconciler"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`

	// Tasks holds the trigger schedules of the periodic jobs.
	Tasks TasksConfig `json:"tasks"`

	Channels ChannelsConfig `json:"channels"`
	Render   RenderConfig   `json:"render"`
	Blob     BlobConfig     `json:"blob"`
	Accounts AccountsConfig `json:"accounts"`
	Admin    AdminConfig    `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./greetd.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"required,oneofci=memory sqlite sqlite3 postgres postgresql pgx"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`                              // postgres; prefer GREETD_DATABASE_URL
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"duration"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty" validate:"min=0"`       // postgres pool size
}

type RedisConfig struct {
	Addr     []string `json:"addr" validate:"min=1,dive,notblank"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	DB       int      `json:"db,omitempty"`
}

// SchedulerConfig controls event firing. Durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 100
//   - render_timeout: "60s"
//   - stale_after: "15m"
type SchedulerConfig struct {
	BatchSize     int    `json:"batch_size,omitempty" validate:"min=0"`
	RenderTimeout string `json:"render_timeout,omitempty" validate:"duration"`
	StaleAfter    string `json:"stale_after,omitempty" validate:"duration"`
}

// QueueConfig controls queue draining and the retry policy.
//
// Defaults:
//   - pending_batch: 50
//   - retry_batch: 25
//   - backoff_base: "5m"
//   - max_attempts: 3
//   - dispatch_timeout: "30s"
//   - stale_after: "15m"
type QueueConfig struct {
	PendingBatch    int    `json:"pending_batch,omitempty" validate:"min=0"`
	RetryBatch      int    `json:"retry_batch,omitempty" validate:"min=0"`
	BackoffBase     string `json:"backoff_base,omitempty" validate:"duration"`
	MaxAttempts     int    `json:"max_attempts,omitempty" validate:"min=0"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty" validate:"duration"`
	StaleAfter      string `json:"stale_after,omitempty" validate:"duration"`
}

// RateLimitConfig caps sends per channel in three fixed windows.
// Enabled is a pointer so an omitted section keeps limits on.
type RateLimitConfig struct {
	Enabled  *bool                   `json:"enabled,omitempty"`
	Scope    string                  `json:"scope,omitempty" validate:"omitempty,oneofci=account global"`
	Default  *LimitsConfig           `json:"default,omitempty"`
	Channels map[string]LimitsConfig `json:"channels,omitempty" validate:"dive,keys,channelname,endkeys"`
}

type LimitsConfig struct {
	PerMinute int `json:"per_minute" validate:"min=0"`
	PerHour   int `json:"per_hour" validate:"min=0"`
	PerDay    int `json:"per_day" validate:"min=0"`
}

type ReconcilerConfig struct {
	Window      string `json:"window,omitempty" validate:"duration"` // default "24h"
	BatchSize   int    `json:"batch_size,omitempty" validate:"min=0"`
	PollTimeout string `json:"poll_timeout,omitempty" validate:"duration"`
}

type HousekeepingConfig struct {
	EntryRetention string `json:"entry_retention,omitempty" validate:"duration"` // default "30d"
	LogRetention   string `json:"log_retention,omitempty" validate:"duration"`   // default "90d"
}

// TasksConfig holds the trigger of each periodic job. Values accept cron
// expressions, "@every 30s", plain Go durations or "HH:MM" intervals.
type TasksConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	Scheduler    string `json:"scheduler,omitempty" validate:"omitempty,schedule"`    // default "1m"
	Queue        string `json:"queue,omitempty" validate:"omitempty,schedule"`        // default "30s"
	Reconciler   string `json:"reconciler,omitempty" validate:"omitempty,schedule"`   // default "5m"
	Housekeeping string `json:"housekeeping,omitempty" validate:"omitempty,schedule"` // default "@daily"
	Recalculate  string `json:"recalculate,omitempty" validate:"omitempty,schedule"`  // default "@daily"
	Sweep        string `json:"sweep,omitempty" validate:"omitempty,schedule"`        // default "5m"
	Timeout      string `json:"timeout,omitempty" validate:"duration"`                // per run, default "5m"
	HistorySize  int    `json:"history_size,omitempty" validate:"min=0"`
}

// ChannelsConfig enables the transports. A nil section disables it.
type ChannelsConfig struct {
	Email    *EmailConfig    `json:"email,omitempty"`
	WhatsApp *TwilioConfig   `json:"whatsapp,omitempty"`
	SMS      *TwilioConfig   `json:"sms,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type EmailConfig struct {
	Host       string  `json:"host" validate:"notblank"`
	Port       int     `json:"port" validate:"min=0,max=65535"`
	Username   string  `json:"username,omitempty"`
	Password   string  `json:"password,omitempty"` // prefer GREETD_SMTP_PASSWORD
	From       string  `json:"from" validate:"notblank"`
	FromName   string  `json:"from_name,omitempty"`
	Timeout    string  `json:"timeout,omitempty" validate:"duration"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type TwilioConfig struct {
	AccountSID string  `json:"account_sid,omitempty"` // prefer GREETD_TWILIO_ACCOUNT_SID
	AuthToken  string  `json:"auth_token,omitempty"`  // prefer GREETD_TWILIO_AUTH_TOKEN
	From       string  `json:"from" validate:"notblank"`
	BaseURL    string  `json:"base_url,omitempty"`
	Timeout    string  `json:"timeout,omitempty" validate:"duration"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type TelegramConfig struct {
	Token      string  `json:"token,omitempty"` // prefer GREETD_TELEGRAM_TOKEN
	APIURL     string  `json:"api_url,omitempty"`
	Timeout    string  `json:"timeout,omitempty" validate:"duration"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// RenderConfig points at the image compositing service. An empty endpoint
// disables rendering; templated events then fire without an artifact.
type RenderConfig struct {
	Endpoint        string `json:"endpoint,omitempty"`
	TemplateBaseURL string `json:"template_base_url,omitempty"`
	Timeout         string `json:"timeout,omitempty" validate:"duration"`
}

type BlobConfig struct {
	Root      string `json:"root"`
	PublicURL string `json:"public_url,omitempty"`
}

type AccountsConfig struct {
	DefaultTimezone string          `json:"default_timezone,omitempty"`
	List            []AccountConfig `json:"list,omitempty" validate:"dive"`
}

type AccountConfig struct {
	ID       string                       `json:"id" validate:"notblank"`
	Timezone string                       `json:"timezone,omitempty"`
	Channels map[string]CredentialsConfig `json:"channels,omitempty" validate:"dive,keys,channelname,endkeys"`
}

// CredentialsConfig overrides the global transport secrets for one account.
type CredentialsConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"from_name,omitempty"`
}

// AdminConfig controls the operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8081").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // prefer GREETD_ADMIN_TOKEN (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty" validate:"duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"duration"`
}
