package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"greetd/internal/domain"
)

var (
	ErrNoAdapter          = errors.New("no adapter registered for channel")
	ErrMissingCredentials = errors.New("missing channel credentials")
)

// Kind tags the outcome of a send.
type Kind int

const (
	KindOK Kind = iota
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Message is one queue entry as seen by a transport. Attachments are storage
// locators resolved by the adapter at send time.
type Message struct {
	EntryID     string
	AccountID   string
	To          string
	ToName      string
	Subject     string
	Body        string
	Attachments []string
}

// Result is the outcome of Adapter.Send. Failures are data so callers decide
// on retry by inspecting Kind.
type Result struct {
	Kind       Kind
	ExternalID string
	Reason     string
}

func (r Result) OK() bool { return r.Kind == KindOK }

func Sent(externalID string) Result { return Result{Kind: KindOK, ExternalID: externalID} }

func Transient(reason string) Result { return Result{Kind: KindTransient, Reason: reason} }

func Rejected(reason string) Result { return Result{Kind: KindPermanent, Reason: reason} }

// Adapter sends messages over one transport.
type Adapter interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg Message) Result
}

// Status is a provider-side delivery state. Mapped is empty when the provider
// status carries no new information ("queued", "sending", ...).
type Status struct {
	External string
	Mapped   domain.DeliveryStatus
	Cost     *float64
	Currency string
}

// StatusPoller is implemented by adapters whose provider reports delivery
// receipts asynchronously.
type StatusPoller interface {
	Status(ctx context.Context, accountID, externalID string) (Status, error)
}

// Artifacts resolves attachment locators.
type Artifacts interface {
	Exists(ctx context.Context, locator string) (bool, error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	// URL returns a publicly reachable URL for the locator, or "".
	URL(locator string) string
}

// permanentError marks an error that retrying will not fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Classify reports KindPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Classify turns a transport error into a Result. Missing credentials and
// errors wrapped with Permanent are permanent; everything else, including
// timeouts and cancellations, is transient.
func Classify(err error) Result {
	if err == nil {
		return Sent("")
	}
	var pe permanentError
	switch {
	case errors.As(err, &pe), errors.Is(err, ErrMissingCredentials):
		return Rejected(err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transient("timeout: " + err.Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient("timeout: " + err.Error())
	}
	return Transient(err.Error())
}

// Credentials are the transport secrets for one channel. Field use differs
// per transport: SMTP uses all of them, Twilio reads Username as the account
// SID and Secret as the auth token, Telegram only reads Secret.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Secret   string
	From     string
	FromName string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Secret) == "" && strings.TrimSpace(c.Username) == ""
}

// CredentialSource supplies per-account overrides. Absence is normal.
type CredentialSource interface {
	Credentials(ctx context.Context, accountID string, ch domain.Channel) (Credentials, bool)
}

// Resolve returns the account override for ch if one exists, else global.
func Resolve(ctx context.Context, src CredentialSource, accountID string, ch domain.Channel, global Credentials) (Credentials, error) {
	if src != nil && accountID != "" {
		if c, ok := src.Credentials(ctx, accountID, ch); ok && !c.Empty() {
			return fillFrom(c, global), nil
		}
	}
	if global.Empty() {
		return Credentials{}, ErrMissingCredentials
	}
	return global, nil
}

// fillFrom completes an override with transport settings from the default.
func fillFrom(c, global Credentials) Credentials {
	if c.Host == "" {
		c.Host = global.Host
	}
	if c.Port == 0 {
		c.Port = global.Port
	}
	if c.From == "" {
		c.From = global.From
	}
	if c.FromName == "" {
		c.FromName = global.FromName
	}
	return c
}
