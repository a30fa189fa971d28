package router

import (
	"context"
	"time"

	"github.com/ManuelReschke/SalonFox/app/controllers"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readyTimeout = 2 * time.Second

// HttpRouter installs the routes outside the tenant API: provider webhooks,
// health and metrics.
type HttpRouter struct {
	deps    Deps
	billing *controllers.BillingController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Billing provider webhooks, signature-verified in the controller
	app.Post("/webhooks/:provider", h.billing.HandleWebhook)

	app.Get("/healthz", h.handleHealth)

	metrics := adaptor.HTTPHandler(promhttp.Handler())
	if cfg := h.deps.Config.Metrics; cfg.User != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{cfg.User: cfg.Password},
		}), metrics)
	} else {
		log.Warn("[Router] METRICS_USER not set, /metrics is unauthenticated")
		app.Get("/metrics", metrics)
	}
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			log.Warnf("[Router] health check failed: %v", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func NewHttpRouter(deps Deps, billing *controllers.BillingController) *HttpRouter {
	return &HttpRouter{deps: deps, billing: billing}
}
