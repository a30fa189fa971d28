package models

import "time"

// BillingWebhookEvent is the idempotency ledger for provider deliveries. A row
// exists only for events whose processing committed.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Outcome         string     `gorm:"type:varchar(16);not null;default:'processed'" json:"outcome"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	OccurredAt      *time.Time `gorm:"type:timestamp;default:null" json:"occurred_at,omitempty"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
