// Package telegram delivers queue entries as Telegram bot messages.
// The recipient address is the numeric chat id.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
	logx "greetd/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

type Config struct {
	Token   string
	APIURL  string // defaults to the public Bot API
	Timeout time.Duration

	RatePerSec float64
	Burst      int
}

type Adapter struct {
	cfg     Config
	creds   channel.CredentialSource
	files   channel.Artifacts
	log     logx.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	bots map[string]*tele.Bot // by token
}

func New(cfg Config, creds channel.CredentialSource, files channel.Artifacts, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	a := &Adapter{cfg: cfg, creds: creds, files: files, log: log, bots: map[string]*tele.Bot{}}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return a
}

func (a *Adapter) Channel() domain.Channel { return domain.ChannelTelegram }

// bot returns a cached offline client for token; accounts with their own bot
// token get their own client.
func (a *Adapter) bot(token string) (*tele.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     a.cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: a.cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	a.bots[token] = b
	return b, nil
}

func (a *Adapter) Send(ctx context.Context, msg channel.Message) channel.Result {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.To), 10, 64)
	if err != nil {
		return channel.Rejected("invalid telegram chat id: " + msg.To)
	}
	creds, err := channel.Resolve(ctx, a.creds, msg.AccountID, domain.ChannelTelegram,
		channel.Credentials{Secret: a.cfg.Token})
	if err != nil {
		return channel.Classify(err)
	}
	if creds.Secret == "" {
		return channel.Classify(fmt.Errorf("telegram bot token: %w", channel.ErrMissingCredentials))
	}
	b, err := a.bot(creds.Secret)
	if err != nil {
		return channel.Classify(channel.Permanent(err))
	}
	chat := &tele.Chat{ID: chatID}
	text := composeText(msg.Subject, msg.Body)

	var first *tele.Message
	send := func(what any) error {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := b.Send(chat, what)
		if err != nil {
			return err
		}
		if first == nil {
			first = m
		}
		return nil
	}

	// The first resolvable artifact goes out as a photo carrying the text as
	// caption when it fits.
	captioned := false
	for _, loc := range msg.Attachments {
		if a.files == nil {
			break
		}
		ok, err := a.files.Exists(ctx, loc)
		if err != nil || !ok {
			a.log.Warn("attachment missing, skipped",
				logx.String("entry_id", msg.EntryID), logx.String("locator", loc), logx.Err(err))
			continue
		}
		rc, err := a.files.Open(ctx, loc)
		if err != nil {
			a.log.Warn("attachment unreadable, skipped",
				logx.String("entry_id", msg.EntryID), logx.String("locator", loc), logx.Err(err))
			continue
		}
		photo := &tele.Photo{File: tele.FromReader(rc)}
		if !captioned && len([]rune(text)) <= captionLimit {
			photo.Caption = text
			captioned = true
		}
		err = send(photo)
		_ = rc.Close()
		if err != nil {
			return classify(err)
		}
	}

	if !captioned && strings.TrimSpace(text) != "" {
		for _, chunk := range splitText(text, textLimit) {
			if err := send(chunk); err != nil {
				return classify(err)
			}
		}
	}
	if first == nil {
		return channel.Rejected("nothing to send")
	}
	return channel.Sent(strconv.Itoa(first.ID))
}

func composeText(subject, body string) string {
	subject, body = strings.TrimSpace(subject), strings.TrimSpace(body)
	switch {
	case subject == "":
		return body
	case body == "":
		return subject
	}
	return subject + "\n\n" + body
}

// Unrecognized Bot API errors only carry the code in their text.
var apiCode = regexp.MustCompile(`\((\d{3})\)$`)

// classify maps Bot API errors: 400/403 (bad chat, bot blocked) are
// permanent, flood control and everything else transient.
func classify(err error) channel.Result {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.Transient(err.Error())
	}
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := apiCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	if code == http.StatusBadRequest || code == http.StatusForbidden {
		return channel.Classify(channel.Permanent(err))
	}
	return channel.Classify(err)
}

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid very small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
