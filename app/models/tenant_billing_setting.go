package models

import "time"

// TenantBillingSetting is the tenant's billing configuration: which provider
// it pays through and which plan it is entitled to. The row also serves as
// the per-tenant lock for subscription changes.
type TenantBillingSetting struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	TenantID           string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"tenant_id"`
	Provider           string    `gorm:"type:varchar(20);not null;default:''" json:"provider"`
	Plan               string    `gorm:"type:varchar(50);not null;default:'free'" json:"plan"`
	ProviderCustomerID string    `gorm:"type:varchar(191);not null;default:''" json:"provider_customer_id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
