package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "GREETD_"

// Env holds deploy-time overrides. Secrets belong here rather than in the file.
type Env struct {
	DatabaseURL      string   `env:"DATABASE_URL"`
	RedisAddr        []string `env:"REDIS_ADDR" envSeparator:","`
	RedisPassword    string   `env:"REDIS_PASSWORD"`
	SMTPPassword     string   `env:"SMTP_PASSWORD"`
	TwilioAccountSID string   `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string   `env:"TWILIO_AUTH_TOKEN"`
	TelegramToken    string   `env:"TELEGRAM_TOKEN"`
	AdminToken       string   `env:"ADMIN_TOKEN"`
	LogLevel         string   `env:"LOG_LEVEL"`
}

// LoadEnv reads overrides from environ (KEY=VALUE pairs), or from the process
// environment when environ is nil.
func LoadEnv(environ []string) (Env, error) {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = env.ToMap(environ)
	}
	var e Env
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Env{}, fmt.Errorf("env: %w", err)
	}
	return e, nil
}

// Apply overlays the non-empty overrides onto cfg. Twilio credentials apply
// to both the SMS and WhatsApp sections when they are configured.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if s := strings.TrimSpace(e.DatabaseURL); s != "" {
		cfg.Storage.DSN = s
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if len(e.RedisAddr) > 0 {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Addr = e.RedisAddr
	}
	if e.RedisPassword != "" && cfg.Redis != nil {
		cfg.Redis.Password = e.RedisPassword
	}
	if e.SMTPPassword != "" && cfg.Channels.Email != nil {
		cfg.Channels.Email.Password = e.SMTPPassword
	}
	for _, tw := range []*TwilioConfig{cfg.Channels.SMS, cfg.Channels.WhatsApp} {
		if tw == nil {
			continue
		}
		if e.TwilioAccountSID != "" {
			tw.AccountSID = e.TwilioAccountSID
		}
		if e.TwilioAuthToken != "" {
			tw.AuthToken = e.TwilioAuthToken
		}
	}
	if e.TelegramToken != "" && cfg.Channels.Telegram != nil {
		cfg.Channels.Telegram.Token = e.TelegramToken
	}
	if e.AdminToken != "" {
		cfg.Admin.Token = e.AdminToken
	}
	if e.LogLevel != "" {
		cfg.Logging.Level = e.LogLevel
	}
}
