package domain

import (
	"errors"
	"strings"
	"time"

	"greetd/pkg/validate"
)

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventCancelled  EventStatus = "cancelled"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventProcessing, EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

type Recurrence string

const (
	RecurOnce   Recurrence = "once"
	RecurYearly Recurrence = "yearly"
	RecurCustom Recurrence = "custom"
)

func (r Recurrence) Valid() bool {
	switch r {
	case RecurOnce, RecurYearly, RecurCustom:
		return true
	}
	return false
}

// Recipient is the person an event is about.
type Recipient struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	WhatsApp  string `json:"whatsapp,omitempty"`
	Telegram  string `json:"telegram,omitempty"`
	Photo     string `json:"photo,omitempty"`
}

func (r Recipient) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Address returns the recipient address used on ch, or "" when none is known.
func (r Recipient) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return strings.TrimSpace(r.Email)
	case ChannelWhatsApp:
		return strings.TrimSpace(r.WhatsApp)
	case ChannelSMS:
		return strings.TrimSpace(r.Phone)
	case ChannelTelegram:
		return strings.TrimSpace(r.Telegram)
	}
	return ""
}

// ChannelOverride enables a channel for an event and optionally overrides
// the subject and body used for it.
type ChannelOverride struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Event is a recurring or one-off occasion owned by an account.
//
// EventDate and EventTime are naive wall-clock values interpreted in the
// owning account's time zone.
type Event struct {
	ID        string `validate:"notblank"`
	AccountID string `validate:"notblank"`

	Recipient      Recipient
	EventType      string
	DefaultMessage string
	Title          string

	EventDate         Date       `validate:"required"`
	EventTime         Clock
	Recurrence        Recurrence `validate:"oneof=once yearly custom"`
	AdvanceNoticeDays int        `validate:"min=0"`
	SendOnDay         bool

	TemplateRef   string
	CustomMessage string
	Fields        map[string]string
	Channels      map[Channel]ChannelOverride `validate:"dive,keys,channel,endkeys"`

	Status         EventStatus
	NextExecution  *time.Time
	LastProcessed  *time.Time
	ClaimedAt      *time.Time
	ExecutionCount int
	LastError      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrEventID         = errors.New("event id is required")
	ErrEventAccount    = errors.New("event account is required")
	ErrEventDate       = errors.New("event date is required")
	ErrEventRecurrence = errors.New("invalid recurrence")
	ErrAdvanceNotice   = errors.New("advance notice days must be >= 0")
)

var eventViolations = map[string]error{
	"ID":                ErrEventID,
	"AccountID":         ErrEventAccount,
	"EventDate":         ErrEventDate,
	"Recurrence":        ErrEventRecurrence,
	"AdvanceNoticeDays": ErrAdvanceNotice,
	"Channels":          ErrUnknownChannel,
}

// Validate checks the fields every stored event must carry.
func (e *Event) Validate() error {
	return violation(validate.Default().Struct(e), eventViolations)
}

// Occurrence combines the event date and time in loc.
func (e *Event) Occurrence(loc *time.Location) time.Time {
	return e.EventDate.At(e.EventTime, loc)
}

// Subject returns the subject for ch, defaulting to "<event type> - <full name>".
func (e *Event) Subject(ch Channel) string {
	if o, ok := e.Channels[ch]; ok && strings.TrimSpace(o.Subject) != "" {
		return o.Subject
	}
	name := e.Recipient.FullName()
	if e.EventType == "" {
		return name
	}
	if name == "" {
		return e.EventType
	}
	return e.EventType + " - " + name
}

// Body returns the message for ch: channel override, then the event's custom
// message, then the event type default.
func (e *Event) Body(ch Channel) string {
	if o, ok := e.Channels[ch]; ok && strings.TrimSpace(o.Body) != "" {
		return o.Body
	}
	if strings.TrimSpace(e.CustomMessage) != "" {
		return e.CustomMessage
	}
	return e.DefaultMessage
}

// RenderFields returns the field bindings handed to the renderer.
func (e *Event) RenderFields() map[string]string {
	out := map[string]string{
		"first_name":     e.Recipient.FirstName,
		"last_name":      e.Recipient.LastName,
		"full_name":      e.Recipient.FullName(),
		"custom_message": e.Body(""),
		"event_date":     e.EventDate.Long(),
		"event_type":     e.EventType,
	}
	if e.Recipient.Photo != "" {
		out["photo"] = e.Recipient.Photo
	}
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// EnabledChannels lists channels enabled on the event in a stable order.
func (e *Event) EnabledChannels() []Channel {
	out := make([]Channel, 0, len(e.Channels))
	for _, ch := range AllChannels {
		if _, ok := e.Channels[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
