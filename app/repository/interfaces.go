package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"gorm.io/gorm"
)

// UsageRepository stores usage reported by the other services and derives
// the monthly counters the entitlement checks read.
type UsageRepository interface {
	Record(ctx context.Context, record *models.UsageRecord) error
	MonthlyUsage(ctx context.Context, tenantID string, month time.Time) (map[entitlements.LimitKey]int64, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Usage UsageRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Usage: NewUsageRepository(db),
	}
}
