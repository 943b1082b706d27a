package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is a received provider webhook, stored once per provider event id.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:varchar(128);not null"`
	SessionID       *string        `json:"session_id,omitempty" gorm:"type:varchar(255)"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"

	MetadataAccountID = "account_id"
	MetadataCredits   = "credits"
)

// CheckoutSession is the provider-side view of a hosted checkout.
type CheckoutSession struct {
	ID                string
	URL               string
	Status            string
	PaymentStatus     string
	PaymentIntentID   string
	AmountTotal       int64
	Currency          string
	CustomerID        string
	ClientReferenceID string
	Metadata          map[string]string
}

// Paid reports whether the provider has captured the payment.
func (s *CheckoutSession) Paid() bool {
	return s != nil && s.PaymentStatus == PaymentStatusPaid
}

type Customer struct {
	ID    string
	Email string
}

// CreateSessionParams describes a one-off checkout for a credit package.
type CreateSessionParams struct {
	CustomerID      string
	AccountID       string
	Credits         int64
	UnitAmount      int64
	Currency        string
	ProductName     string
	ProviderPriceID string
	SuccessURL      string
	CancelURL       string
	IdempotencyKey  string
}

// WebhookEvent is the canonical checkout event parsed by adapters.
type WebhookEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	Session         *CheckoutSession
	OccurredAt      time.Time
	RawPayload      []byte
}
