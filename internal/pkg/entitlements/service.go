package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrConfiguration means the tenant's plan or a limit could not be resolved.
// Callers must surface it as "system not ready", not as "plan too low".
var ErrConfiguration = errors.New("entitlement configuration error")

// TenantPlanLookup returns the plan a tenant is on.
type TenantPlanLookup interface {
	TenantPlan(ctx context.Context, tenantID string) (string, error)
}

// UsageSource supplies the tenant's current usage for the month.
type UsageSource interface {
	MonthlyUsage(ctx context.Context, tenantID string, month time.Time) (map[LimitKey]int64, error)
}

// DailyCounter supplies counters that reset every day.
type DailyCounter interface {
	Today(ctx context.Context, tenantID, name string) (int64, error)
}

type UsageData struct {
	TenantID string             `json:"tenant_id"`
	Month    string             `json:"month"`
	Counts   map[LimitKey]int64 `json:"counts"`
}

type Service struct {
	plans TenantPlanLookup
	usage UsageSource
	daily DailyCounter
	rdb   *redis.Client
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

// NewService builds the entitlement service. rdb and daily may be nil; then
// usage is read from the source on every call and daily counters read zero.
func NewService(plans TenantPlanLookup, usage UsageSource, daily DailyCounter, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Service{plans: plans, usage: usage, daily: daily, rdb: rdb, ttl: ttl, now: time.Now}
}

func (s *Service) plan(ctx context.Context, tenantID string) (PlanConfig, error) {
	raw, err := s.plans.TenantPlan(ctx, tenantID)
	if err != nil {
		return PlanConfig{}, fmt.Errorf("%w: tenant %q: %w", ErrConfiguration, tenantID, err)
	}
	p, ok := LookupPlan(raw)
	if !ok {
		return PlanConfig{}, fmt.Errorf("%w: tenant %q has unknown plan %q", ErrConfiguration, tenantID, raw)
	}
	return p, nil
}

// PlanFor returns the tenant's plan configuration.
func (s *Service) PlanFor(ctx context.Context, tenantID string) (PlanConfig, error) {
	return s.plan(ctx, tenantID)
}

// CanAccessFeature fails closed: any lookup failure denies access and returns
// an error wrapping ErrConfiguration.
func (s *Service) CanAccessFeature(ctx context.Context, tenantID string, feature Feature) (bool, error) {
	p, err := s.plan(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return p.HasFeature(feature), nil
}

// CheckUsageLimit reports whether projected stays under the plan's limit.
// Callers pass current usage + 1 before committing the operation.
func (s *Service) CheckUsageLimit(ctx context.Context, tenantID string, key LimitKey, projected int64) (bool, error) {
	p, err := s.plan(ctx, tenantID)
	if err != nil {
		return false, err
	}
	limit, ok := p.Limit(key)
	if !ok {
		return false, fmt.Errorf("%w: plan %q has no limit %q", ErrConfiguration, p.Plan, key)
	}
	return limit.Allows(projected), nil
}

// CheckNext checks whether one more unit of key fits into the plan.
func (s *Service) CheckNext(ctx context.Context, tenantID string, key LimitKey) (bool, error) {
	current, err := s.Current(ctx, tenantID, key)
	if err != nil {
		return false, err
	}
	return s.CheckUsageLimit(ctx, tenantID, key, current+1)
}

// Current returns the tenant's usage for key.
func (s *Service) Current(ctx context.Context, tenantID string, key LimitKey) (int64, error) {
	if key == LimitMaxAPICallsPerDay {
		if s.daily == nil {
			return 0, nil
		}
		return s.daily.Today(ctx, tenantID, string(key))
	}
	usage, err := s.Usage(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return usage.Counts[key], nil
}

func (s *Service) usageKey(tenantID string, month time.Time) string {
	return fmt.Sprintf("usage:%s:%s", tenantID, month.UTC().Format("2006-01"))
}

// Usage returns the tenant's monthly usage, cached for a short TTL.
// Concurrent misses for the same tenant share one source read.
func (s *Service) Usage(ctx context.Context, tenantID string) (*UsageData, error) {
	month := s.now()
	key := s.usageKey(tenantID, month)

	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
			var cached UsageData
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warnf("[Entitlements] usage cache read failed for %s: %v", tenantID, err)
		}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		counts, err := s.usage.MonthlyUsage(ctx, tenantID, month)
		if err != nil {
			return nil, fmt.Errorf("load usage for %s: %w", tenantID, err)
		}
		data := &UsageData{TenantID: tenantID, Month: month.UTC().Format("2006-01"), Counts: counts}
		if data.Counts == nil {
			data.Counts = map[LimitKey]int64{}
		}
		if s.rdb != nil {
			if raw, jerr := json.Marshal(data); jerr == nil {
				if serr := s.rdb.Set(ctx, key, raw, s.ttl).Err(); serr != nil {
					log.Warnf("[Entitlements] usage cache write failed for %s: %v", tenantID, serr)
				}
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UsageData), nil
}

// InvalidateUsage drops the cached usage so the next read hits the source.
func (s *Service) InvalidateUsage(ctx context.Context, tenantID string) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, s.usageKey(tenantID, s.now())).Err()
}
