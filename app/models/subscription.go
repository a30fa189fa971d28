package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscription statuses mirror lifecycle.Status.
const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusUnpaid   = "unpaid"
)

// Subscription is a tenant's recurring plan at one provider. At most one row
// per tenant is in trialing, active or past_due at any time.
type Subscription struct {
	ID                     string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID               string     `gorm:"type:varchar(64);not null;index:idx_subscriptions_tenant_status,priority:1" json:"tenant_id"`
	PlanType               string     `gorm:"type:varchar(50);not null" json:"plan_type"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'trialing';index:idx_subscriptions_tenant_status,priority:2" json:"status"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null;index" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	PaymentMethodID        string     `gorm:"type:varchar(191);not null;default:''" json:"payment_method_id"`
	CustomerID             string     `gorm:"type:varchar(191);not null;default:''" json:"customer_id"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
