// Package email delivers queue entries over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"regexp"
	"strings"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
	logx "greetd/pkg/logx"

	"golang.org/x/time/rate"
	"gopkg.in/mail.v2"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Timeout  time.Duration

	// RatePerSec smooths outbound connections; 0 disables.
	RatePerSec float64
	Burst      int
}

// SendFunc delivers a composed message with the resolved credentials.
type SendFunc func(ctx context.Context, creds channel.Credentials, m *mail.Message) error

type Adapter struct {
	cfg     Config
	creds   channel.CredentialSource
	files   channel.Artifacts
	log     logx.Logger
	limiter *rate.Limiter
	send    SendFunc
}

type Option func(*Adapter)

// WithSender replaces the SMTP dialer.
func WithSender(fn SendFunc) Option { return func(a *Adapter) { a.send = fn } }

func New(cfg Config, creds channel.CredentialSource, files channel.Artifacts, log logx.Logger, opts ...Option) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	a := &Adapter{cfg: cfg, creds: creds, files: files, log: log}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	a.send = a.dialAndSend
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Channel() domain.Channel { return domain.ChannelEmail }

func (a *Adapter) global() channel.Credentials {
	return channel.Credentials{
		Host:     a.cfg.Host,
		Port:     a.cfg.Port,
		Username: a.cfg.Username,
		Secret:   a.cfg.Password,
		From:     a.cfg.From,
		FromName: a.cfg.FromName,
	}
}

func (a *Adapter) Send(ctx context.Context, msg channel.Message) channel.Result {
	if strings.TrimSpace(msg.To) == "" || !strings.Contains(msg.To, "@") {
		return channel.Rejected("invalid email address: " + msg.To)
	}
	creds, err := channel.Resolve(ctx, a.creds, msg.AccountID, domain.ChannelEmail, a.global())
	if err != nil {
		return channel.Classify(err)
	}
	if creds.Host == "" || creds.From == "" {
		return channel.Classify(fmt.Errorf("smtp host and sender: %w", channel.ErrMissingCredentials))
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return channel.Classify(err)
		}
	}

	m := mail.NewMessage()
	m.SetAddressHeader("From", creds.From, creds.FromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	a.attach(ctx, m, msg)

	if err := a.send(ctx, creds, m); err != nil {
		return classifySMTP(err)
	}
	// SMTP yields no provider id; the entry id keeps the log traceable.
	return channel.Sent(msg.EntryID)
}

// attach adds every resolvable artifact. Missing ones are skipped.
func (a *Adapter) attach(ctx context.Context, m *mail.Message, msg channel.Message) {
	if a.files == nil {
		return
	}
	for _, loc := range msg.Attachments {
		ok, err := a.files.Exists(ctx, loc)
		if err != nil || !ok {
			a.log.Warn("attachment missing, skipped",
				logx.String("entry_id", msg.EntryID), logx.String("locator", loc), logx.Err(err))
			continue
		}
		loc := loc
		m.Attach(path.Base(loc), mail.SetCopyFunc(func(w io.Writer) error {
			rc, err := a.files.Open(ctx, loc)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(w, rc)
			return err
		}))
	}
}

func (a *Adapter) dialAndSend(ctx context.Context, creds channel.Credentials, m *mail.Message) error {
	d := mail.NewDialer(creds.Host, creds.Port, creds.Username, creds.Secret)
	d.Timeout = a.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < d.Timeout {
			d.Timeout = left
		}
	}
	return d.DialAndSend(m)
}

var smtpCode = regexp.MustCompile(`\b([45])\d\d\b`)

// classifySMTP treats 5xx replies as permanent rejections.
func classifySMTP(err error) channel.Result {
	var te *textproto.Error
	if errors.As(err, &te) {
		if te.Code >= 500 {
			return channel.Classify(channel.Permanent(err))
		}
		return channel.Classify(err)
	}
	if m := smtpCode.FindStringSubmatch(err.Error()); m != nil && m[1] == "5" {
		return channel.Classify(channel.Permanent(err))
	}
	return channel.Classify(err)
}
