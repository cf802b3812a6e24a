package domain

import "time"

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliverySpam      DeliveryStatus = "spam"
)

// Settled reports whether the status can no longer progress through
// reconciliation.
func (s DeliveryStatus) Settled() bool {
	switch s {
	case DeliveryRead, DeliveryFailed, DeliveryBounced, DeliverySpam:
		return true
	}
	return false
}

// DeliveryLog records the terminal outcome of one queue entry. Recipient,
// channel and SentAt never change after creation; the rest is updated by
// reconciliation.
type DeliveryLog struct {
	ID        string
	EntryID   string
	AccountID string
	EventID   string
	Channel   Channel

	RecipientAddress string
	RecipientName    string
	SentAt           time.Time

	Status         DeliveryStatus
	FailureReason  string
	ExternalID     string
	ExternalStatus string
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	Cost           *float64
	Currency       string

	UpdatedAt time.Time
}

// LogFor builds the delivery log row for a queue entry reaching status at now.
func LogFor(id string, e *QueueEntry, status DeliveryStatus, now time.Time) DeliveryLog {
	return DeliveryLog{
		ID:               id,
		EntryID:          e.ID,
		AccountID:        e.AccountID,
		EventID:          e.EventID,
		Channel:          e.Channel,
		RecipientAddress: e.RecipientAddress,
		RecipientName:    e.RecipientName,
		SentAt:           now,
		Status:           status,
		UpdatedAt:        now,
	}
}
