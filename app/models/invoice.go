package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	InvoiceStatusOpen   = "open"
	InvoiceStatusPaid   = "paid"
	InvoiceStatusFailed = "failed"
	InvoiceStatusVoid   = "void"
)

// Invoice is one billing period of a subscription as reported by the provider.
type Invoice struct {
	ID                string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID          string     `gorm:"type:varchar(64);not null;index" json:"tenant_id"`
	SubscriptionID    string     `gorm:"type:varchar(36);not null;index" json:"subscription_id"`
	Provider          string     `gorm:"type:varchar(20);not null;index:ux_invoices_provider_invoice,unique,priority:1" json:"provider"`
	ProviderInvoiceID string     `gorm:"type:varchar(191);not null;index:ux_invoices_provider_invoice,unique,priority:2" json:"provider_invoice_id"`
	Amount            int64      `gorm:"not null;default:0" json:"amount"`
	Currency          string     `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	Status            string     `gorm:"type:varchar(16);not null;default:'open'" json:"status"`
	PeriodStart       *time.Time `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd         *time.Time `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	DueDate           *time.Time `gorm:"type:timestamp;default:null" json:"due_date,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i *Invoice) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}
