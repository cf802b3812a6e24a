package app

import (
	"time"

	"greetd/internal/channel"
	"greetd/internal/channel/email"
	"greetd/internal/channel/telegram"
	"greetd/internal/channel/twilio"
	"greetd/internal/config"
	"greetd/internal/domain"
	logx "greetd/pkg/logx"
)

// buildAdapters registers one adapter per configured channel section.
func buildAdapters(cfg *config.Config, creds channel.CredentialSource, files channel.Artifacts, log logx.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()
	var d durations

	if e := cfg.Channels.Email; e != nil {
		reg.Register(email.New(email.Config{
			Host:       e.Host,
			Port:       e.Port,
			Username:   e.Username,
			Password:   e.Password,
			From:       e.From,
			FromName:   e.FromName,
			Timeout:    d.get("channels.email.timeout", e.Timeout, 30*time.Second),
			RatePerSec: e.RatePerSec,
			Burst:      e.Burst,
		}, creds, files, log.With(logx.String("channel", "email"))))
	}

	for _, tc := range []struct {
		ch  domain.Channel
		cfg *config.TwilioConfig
	}{
		{domain.ChannelSMS, cfg.Channels.SMS},
		{domain.ChannelWhatsApp, cfg.Channels.WhatsApp},
	} {
		if tc.cfg == nil {
			continue
		}
		a, err := twilio.New(tc.ch, twilio.Config{
			AccountSID: tc.cfg.AccountSID,
			AuthToken:  tc.cfg.AuthToken,
			From:       tc.cfg.From,
			BaseURL:    tc.cfg.BaseURL,
			Timeout:    d.get("channels."+string(tc.ch)+".timeout", tc.cfg.Timeout, 30*time.Second),
			RatePerSec: tc.cfg.RatePerSec,
			Burst:      tc.cfg.Burst,
		}, creds, files, log.With(logx.String("channel", string(tc.ch))))
		if err != nil {
			return nil, err
		}
		reg.Register(a)
	}

	if t := cfg.Channels.Telegram; t != nil {
		reg.Register(telegram.New(telegram.Config{
			Token:      t.Token,
			APIURL:     t.APIURL,
			Timeout:    d.get("channels.telegram.timeout", t.Timeout, 30*time.Second),
			RatePerSec: t.RatePerSec,
			Burst:      t.Burst,
		}, creds, files, log.With(logx.String("channel", "telegram"))))
	}

	if d.err != nil {
		return nil, d.err
	}
	return reg, nil
}
