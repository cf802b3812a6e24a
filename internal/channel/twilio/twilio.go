// Package twilio sends WhatsApp and SMS messages through the Twilio REST API
// and polls message status for delivery reconciliation.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
	logx "greetd/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://api.twilio.com"
	whatsappPrefix  = "whatsapp:"
	maxErrorBodyLen = 4 << 10
)

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	Timeout    time.Duration

	RatePerSec float64
	Burst      int
}

// Adapter serves one of the two Twilio-backed channels.
type Adapter struct {
	ch      domain.Channel
	cfg     Config
	creds   channel.CredentialSource
	files   channel.Artifacts
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds an adapter for ch, which must be whatsapp or sms.
func New(ch domain.Channel, cfg Config, creds channel.CredentialSource, files channel.Artifacts, log logx.Logger) (*Adapter, error) {
	if ch != domain.ChannelWhatsApp && ch != domain.ChannelSMS {
		return nil, fmt.Errorf("twilio: unsupported channel %q", ch)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	a := &Adapter{
		ch:    ch,
		cfg:   cfg,
		creds: creds,
		files: files,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return a, nil
}

func (a *Adapter) Channel() domain.Channel { return a.ch }

func (a *Adapter) global() channel.Credentials {
	return channel.Credentials{Username: a.cfg.AccountSID, Secret: a.cfg.AuthToken, From: a.cfg.From}
}

func (a *Adapter) resolve(ctx context.Context, accountID string) (channel.Credentials, error) {
	c, err := channel.Resolve(ctx, a.creds, accountID, a.ch, a.global())
	if err != nil {
		return c, err
	}
	if c.Username == "" || c.Secret == "" {
		return c, fmt.Errorf("twilio account sid and token: %w", channel.ErrMissingCredentials)
	}
	return c, nil
}

// address applies the whatsapp: prefix where needed.
func (a *Adapter) address(n string) string {
	n = strings.TrimSpace(n)
	if a.ch == domain.ChannelWhatsApp && !strings.HasPrefix(n, whatsappPrefix) {
		return whatsappPrefix + n
	}
	return n
}

type messageResponse struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	Price        *string `json:"price"`
	PriceUnit    string  `json:"price_unit"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type errorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (a *Adapter) Send(ctx context.Context, msg channel.Message) channel.Result {
	if strings.TrimSpace(msg.To) == "" {
		return channel.Rejected("missing recipient number")
	}
	creds, err := a.resolve(ctx, msg.AccountID)
	if err != nil {
		return channel.Classify(err)
	}
	if creds.From == "" {
		return channel.Classify(fmt.Errorf("twilio sender number: %w", channel.ErrMissingCredentials))
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return channel.Classify(err)
		}
	}

	form := url.Values{}
	form.Set("To", a.address(msg.To))
	form.Set("From", a.address(creds.From))
	form.Set("Body", msg.Body)
	for _, loc := range msg.Attachments {
		u := ""
		if a.files != nil {
			u = a.files.URL(loc)
		}
		if u == "" {
			a.log.Warn("attachment has no public url, skipped",
				logx.String("entry_id", msg.EntryID), logx.String("locator", loc))
			continue
		}
		form.Add("MediaUrl", u)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.cfg.BaseURL, url.PathEscape(creds.Username))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.Classify(channel.Permanent(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.Username, creds.Secret)

	var out messageResponse
	if err := a.do(req, &out); err != nil {
		return channel.Classify(err)
	}
	if out.SID == "" {
		return channel.Transient("twilio: response without message sid")
	}
	if out.Status == "failed" || out.Status == "undelivered" {
		reason := "twilio: message " + out.Status
		if out.ErrorMessage != nil {
			reason += ": " + *out.ErrorMessage
		}
		return channel.Rejected(reason)
	}
	return channel.Sent(out.SID)
}

// Status polls the provider for a message previously sent by this adapter.
func (a *Adapter) Status(ctx context.Context, accountID, externalID string) (channel.Status, error) {
	creds, err := a.resolve(ctx, accountID)
	if err != nil {
		return channel.Status{}, err
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages/%s.json",
		a.cfg.BaseURL, url.PathEscape(creds.Username), url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return channel.Status{}, err
	}
	req.SetBasicAuth(creds.Username, creds.Secret)

	var out messageResponse
	if err := a.do(req, &out); err != nil {
		return channel.Status{}, err
	}
	st := channel.Status{External: out.Status, Mapped: MapStatus(out.Status)}
	if out.Price != nil && *out.Price != "" {
		if v, err := strconv.ParseFloat(*out.Price, 64); err == nil {
			c := math.Abs(v)
			st.Cost = &c
			st.Currency = strings.ToUpper(out.PriceUnit)
		}
	}
	return st, nil
}

// MapStatus translates Twilio's message status vocabulary. In-flight states
// map to "" (no change).
func MapStatus(s string) domain.DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delivered":
		return domain.DeliveryDelivered
	case "read":
		return domain.DeliveryRead
	case "failed", "undelivered":
		return domain.DeliveryFailed
	}
	return ""
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		var er errorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &er) == nil && er.Message != "" {
			msg = fmt.Sprintf("%d %s", er.Code, er.Message)
		}
		err := fmt.Errorf("twilio: http %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return channel.Permanent(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New("twilio: decode response: " + err.Error())
	}
	return nil
}
