package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RefundStatusPending   = "pending"
	RefundStatusSucceeded = "succeeded"
	RefundStatusFailed    = "failed"
)

// Refund records money returned on a payment. ProviderRefundID is unique per
// provider so the synchronous path and the webhook record a refund once.
type Refund struct {
	ID               string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PaymentID        string    `gorm:"type:varchar(36);not null;index" json:"payment_id"`
	TenantID         string    `gorm:"type:varchar(64);not null;index" json:"tenant_id"`
	Provider         string    `gorm:"type:varchar(20);not null;index:ux_refunds_provider_refund,unique,priority:1" json:"provider"`
	ProviderRefundID string    `gorm:"type:varchar(191);not null;index:ux_refunds_provider_refund,unique,priority:2" json:"provider_refund_id"`
	Amount           int64     `gorm:"not null" json:"amount"`
	Reason           string    `gorm:"type:varchar(255);not null;default:''" json:"reason"`
	Status           string    `gorm:"type:varchar(32);not null;default:'succeeded'" json:"status"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *Refund) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
