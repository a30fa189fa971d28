package middleware

import (
	"context"
	"errors"

	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/metrics"
	"github.com/ManuelReschke/SalonFox/internal/pkg/tenantcontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// EntitlementChecker is the part of entitlements.Service the middlewares use.
type EntitlementChecker interface {
	CanAccessFeature(ctx context.Context, tenantID string, feature entitlements.Feature) (bool, error)
	CheckNext(ctx context.Context, tenantID string, key entitlements.LimitKey) (bool, error)
}

// UsageRecorder counts a unit of usage after a request went through.
type UsageRecorder interface {
	Add(ctx context.Context, tenantID, name string, delta int64) (int64, error)
}

// RequireFeature rejects requests from tenants whose plan lacks feature.
func RequireFeature(svc EntitlementChecker, feature entitlements.Feature) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID := tenantcontext.TenantID(c)
		ok, err := svc.CanAccessFeature(c.UserContext(), tenantID, feature)
		if err != nil {
			return entitlementError(c, tenantID, err)
		}
		if !ok {
			metrics.EntitlementDenials.WithLabelValues("feature").Inc()
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":   "plan_upgrade_required",
				"message": "your plan does not include this feature",
				"feature": feature,
			})
		}
		return c.Next()
	}
}

// RequireUsage rejects requests once the tenant has used up key.
func RequireUsage(svc EntitlementChecker, key entitlements.LimitKey) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID := tenantcontext.TenantID(c)
		ok, err := svc.CheckNext(c.UserContext(), tenantID, key)
		if err != nil {
			return entitlementError(c, tenantID, err)
		}
		if !ok {
			metrics.EntitlementDenials.WithLabelValues("usage").Inc()
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":   "usage_limit_reached",
				"message": "your plan's limit for this operation is reached",
				"limit":   key,
			})
		}
		return c.Next()
	}
}

// CountAPICall enforces and records the tenant's daily API call allowance.
// Only calls made with an API key count; dashboard sessions pass through.
func CountAPICall(svc EntitlementChecker, recorder UsageRecorder) fiber.Handler {
	guard := RequireUsage(svc, entitlements.LimitMaxAPICallsPerDay)
	return func(c *fiber.Ctx) error {
		if !tenantcontext.Get(c).IsAPIKey() {
			return c.Next()
		}
		if err := guard(c); err != nil {
			return err
		}
		if c.Response().StatusCode() < fiber.StatusBadRequest {
			if _, err := recorder.Add(c.UserContext(), tenantcontext.TenantID(c), string(entitlements.LimitMaxAPICallsPerDay), 1); err != nil {
				log.Warnf("[Entitlements] failed to count api call for %s: %v", tenantcontext.TenantID(c), err)
			}
		}
		return nil
	}
}

func entitlementError(c *fiber.Ctx, tenantID string, err error) error {
	if errors.Is(err, entitlements.ErrConfiguration) {
		log.Errorf("[Entitlements] configuration error for tenant %s: %v", tenantID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":   "system_not_ready",
			"message": "billing configuration incomplete",
		})
	}
	log.Errorf("[Entitlements] check failed for tenant %s: %v", tenantID, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "internal_server_error",
		"message": "entitlement check failed",
	})
}
