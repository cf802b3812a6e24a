package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Channel identifies a delivery transport. Adapters register under it.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
)

// AllChannels is the fixed iteration order used when fanning out an event.
var AllChannels = []Channel{ChannelEmail, ChannelWhatsApp, ChannelSMS, ChannelTelegram}

var ErrUnknownChannel = errors.New("unknown channel")

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelSMS, ChannelTelegram:
		return true
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
	return c, nil
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the lower-case names; "" means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
