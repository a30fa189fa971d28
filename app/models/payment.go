package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PaymentStatusPending           = "pending"
	PaymentStatusProcessing        = "processing"
	PaymentStatusSucceeded         = "succeeded"
	PaymentStatusFailed            = "failed"
	PaymentStatusCanceled          = "canceled"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// Payment is a one-off charge against a tenant's provider. Amount is in
// minor units and never changes after creation.
type Payment struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID          string    `gorm:"type:varchar(64);not null;index" json:"tenant_id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:idx_payments_provider_payment,priority:1" json:"provider"`
	ProviderPaymentID string    `gorm:"type:varchar(191);not null;default:'';index:idx_payments_provider_payment,priority:2" json:"provider_payment_id"`
	Amount            int64     `gorm:"not null" json:"amount"`
	Currency          string    `gorm:"type:varchar(3);not null" json:"currency"`
	Status            string    `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	PaymentMethodID   string    `gorm:"type:varchar(191);not null;default:''" json:"payment_method_id"`
	CustomerID        string    `gorm:"type:varchar(191);not null;default:''" json:"customer_id"`
	Description       string    `gorm:"type:varchar(500);not null;default:''" json:"description"`
	FailureReason     string    `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

var paymentTransitions = map[string][]string{
	PaymentStatusPending:           {PaymentStatusProcessing, PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusProcessing:        {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusFailed:            {PaymentStatusSucceeded},
	PaymentStatusSucceeded:         {PaymentStatusPartiallyRefunded, PaymentStatusRefunded},
	PaymentStatusPartiallyRefunded: {PaymentStatusPartiallyRefunded, PaymentStatusRefunded},
}

// CanTransitionPayment reports whether a payment may move from one status to
// another. Settled payments never move back to an earlier state.
func CanTransitionPayment(from, to string) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Refundable reports whether money can still be returned on the payment.
func (p *Payment) Refundable() bool {
	return p.Status == PaymentStatusSucceeded || p.Status == PaymentStatusPartiallyRefunded
}
