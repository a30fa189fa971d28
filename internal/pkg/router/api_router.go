package router

import (
	"github.com/ManuelReschke/SalonFox/app/controllers"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/middleware"
	"github.com/ManuelReschke/SalonFox/internal/pkg/tenantcontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
	deps         Deps
	billing      *controllers.BillingController
	entitlements *controllers.EntitlementController
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	ents := h.deps.Entitlements

	v1 := app.Group("/api/v1",
		middleware.TenantContextMiddleware,
		middleware.RequireTenant,
		h.rateLimiter(),
		middleware.CountAPICall(ents, h.deps.DailyCounter),
	)

	// Payments
	v1.Post("/payments", h.billing.HandleCreatePayment)
	v1.Get("/payments", h.billing.HandleListPayments)
	v1.Get("/payments/export",
		middleware.RequireFeature(ents, entitlements.FeatureCSVExport),
		middleware.RequireUsage(ents, entitlements.LimitMaxExports),
		h.billing.HandleExportPayments)
	v1.Get("/payments/:id", h.billing.HandleGetPayment)
	v1.Post("/payments/:id/refund", h.billing.HandleRefundPayment)
	v1.Post("/payments/:id/cancellation-refund", h.billing.HandleCancellationRefund)
	v1.Get("/payment-methods", h.billing.HandleListPaymentMethods)

	// Subscriptions
	v1.Post("/subscriptions", h.billing.HandleCreateSubscription)
	v1.Get("/subscriptions", h.billing.HandleGetSubscription)
	v1.Patch("/subscriptions/plan", h.billing.HandleChangePlan)
	v1.Delete("/subscriptions", h.billing.HandleCancelSubscription)
	v1.Put("/billing/provider", h.billing.HandleSetProvider)

	// Entitlements and usage
	v1.Get("/entitlements/features/:feature", h.entitlements.HandleFeatureCheck)
	v1.Get("/entitlements/limits/:key", h.entitlements.HandleLimitCheck)
	v1.Get("/entitlements/usage", h.entitlements.HandleUsage)
	v1.Post("/usage", h.entitlements.HandleRecordUsage)
}

// rateLimiter throttles each tenant separately, sharing counts across
// instances through the cache when storage is configured.
func (h ApiRouter) rateLimiter() fiber.Handler {
	cfg := h.deps.Config.App
	return limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "api:" + tenantcontext.TenantID(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
		},
	})
}

func NewApiRouter(deps Deps, billing *controllers.BillingController, ents *controllers.EntitlementController) *ApiRouter {
	return &ApiRouter{deps: deps, billing: billing, entitlements: ents}
}
