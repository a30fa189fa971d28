package controllers

import (
	"context"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/app/repository"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/tenantcontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// EntitlementService is the part of entitlements.Service the API exposes.
type EntitlementService interface {
	PlanFor(ctx context.Context, tenantID string) (entitlements.PlanConfig, error)
	CanAccessFeature(ctx context.Context, tenantID string, feature entitlements.Feature) (bool, error)
	CheckUsageLimit(ctx context.Context, tenantID string, key entitlements.LimitKey, projected int64) (bool, error)
	Current(ctx context.Context, tenantID string, key entitlements.LimitKey) (int64, error)
	Usage(ctx context.Context, tenantID string) (*entitlements.UsageData, error)
	InvalidateUsage(ctx context.Context, tenantID string) error
}

// EntitlementController answers plan feature and limit questions
type EntitlementController struct {
	entitlements EntitlementService
	usageRepo    repository.UsageRepository
}

// NewEntitlementController creates a new entitlement controller
func NewEntitlementController(svc EntitlementService, usageRepo repository.UsageRepository) *EntitlementController {
	return &EntitlementController{entitlements: svc, usageRepo: usageRepo}
}

type usageRequest struct {
	Metric     string     `json:"metric" validate:"required,oneof=maxStaff maxCustomers maxReservations maxAIReplies maxExports maxBulkMessages maxStorageGB"`
	Quantity   int64      `json:"quantity" validate:"required,ne=0"`
	OccurredAt *time.Time `json:"occurred_at"`
}

func knownLimitKey(key entitlements.LimitKey) bool {
	for _, k := range entitlements.LimitKeys {
		if k == key {
			return true
		}
	}
	return false
}

// HandleFeatureCheck reports whether the tenant's plan includes a feature
func (ec *EntitlementController) HandleFeatureCheck(c *fiber.Ctx) error {
	feature := entitlements.Feature(c.Params("feature"))
	allowed, err := ec.entitlements.CanAccessFeature(c.UserContext(), tenantcontext.TenantID(c), feature)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"feature": feature, "allowed": allowed})
}

// HandleLimitCheck reports whether one more unit, or ?projected=, fits the plan
func (ec *EntitlementController) HandleLimitCheck(c *fiber.Ctx) error {
	tenantID := tenantcontext.TenantID(c)
	key := entitlements.LimitKey(c.Params("key"))
	if !knownLimitKey(key) {
		return badRequest(c, "unknown limit key")
	}

	projected := int64(c.QueryInt("projected", -1))
	if projected < 0 {
		current, err := ec.entitlements.Current(c.UserContext(), tenantID, key)
		if err != nil {
			return respondError(c, err)
		}
		projected = current + 1
	}

	allowed, err := ec.entitlements.CheckUsageLimit(c.UserContext(), tenantID, key, projected)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"limit_key": key, "projected": projected, "allowed": allowed})
}

// HandleUsage returns the tenant's plan limits and this month's usage
func (ec *EntitlementController) HandleUsage(c *fiber.Ctx) error {
	tenantID := tenantcontext.TenantID(c)
	plan, err := ec.entitlements.PlanFor(c.UserContext(), tenantID)
	if err != nil {
		return respondError(c, err)
	}
	usage, err := ec.entitlements.Usage(c.UserContext(), tenantID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"plan":         plan.Plan,
		"plan_version": entitlements.PlanTableVersion,
		"limits":       plan.Limits,
		"month":        usage.Month,
		"usage":        usage.Counts,
	})
}

// HandleRecordUsage stores a usage delta reported by another service
func (ec *EntitlementController) HandleRecordUsage(c *fiber.Ctx) error {
	var req usageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation", "message": err.Error()})
	}

	tenantID := tenantcontext.TenantID(c)
	record := &models.UsageRecord{TenantID: tenantID, Metric: req.Metric, Quantity: req.Quantity}
	if req.OccurredAt != nil {
		record.OccurredAt = req.OccurredAt.UTC()
	}
	if err := ec.usageRepo.Record(c.UserContext(), record); err != nil {
		log.Errorf("[Entitlements] failed to record usage for %s: %v", tenantID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "usage not recorded"})
	}
	if err := ec.entitlements.InvalidateUsage(c.UserContext(), tenantID); err != nil {
		log.Warnf("[Entitlements] usage cache invalidation failed for %s: %v", tenantID, err)
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}
