package models

import "time"

// UsageRecord is one usage delta reported by another service, e.g. a
// reservation taken or a staff member removed (negative quantity).
type UsageRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"type:varchar(64);not null;index:idx_usage_records_tenant_metric,priority:1" json:"tenant_id"`
	Metric     string    `gorm:"type:varchar(50);not null;index:idx_usage_records_tenant_metric,priority:2" json:"metric"`
	Quantity   int64     `gorm:"not null" json:"quantity"`
	OccurredAt time.Time `gorm:"type:timestamp;not null;index" json:"occurred_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
