package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"gorm.io/gorm"
)

// levelMetrics describe how many of something a tenant has right now. They
// are summed over all time; every other metric counts within the month.
var levelMetrics = []string{
	string(entitlements.LimitMaxStaff),
	string(entitlements.LimitMaxCustomers),
	string(entitlements.LimitMaxStorageGB),
}

// usageRepository implements the UsageRepository interface
type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a new usage repository instance
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

// Record stores a usage delta. A zero OccurredAt means now.
func (r *usageRepository) Record(ctx context.Context, record *models.UsageRecord) error {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// MonthlyUsage returns the tenant's counters for the calendar month (UTC)
// containing month.
func (r *usageRepository) MonthlyUsage(ctx context.Context, tenantID string, month time.Time) (map[entitlements.LimitKey]int64, error) {
	m := month.UTC()
	start := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var rows []struct {
		Metric string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("metric, COALESCE(SUM(quantity), 0) AS total").
		Where("tenant_id = ? AND occurred_at < ?", tenantID, end).
		Where("(metric IN ? OR occurred_at >= ?)", levelMetrics, start).
		Group("metric").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[entitlements.LimitKey]int64, len(rows))
	for _, row := range rows {
		if row.Total < 0 {
			row.Total = 0
		}
		counts[entitlements.LimitKey(row.Metric)] = row.Total
	}
	return counts, nil
}
