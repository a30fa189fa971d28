package router

import (
	"context"

	"github.com/ManuelReschke/SalonFox/app/controllers"
	"github.com/ManuelReschke/SalonFox/app/repository"
	"github.com/ManuelReschke/SalonFox/internal/pkg/config"
	"github.com/ManuelReschke/SalonFox/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// EntitlementService answers plan questions for controllers and guards.
type EntitlementService interface {
	controllers.EntitlementService
	middleware.EntitlementChecker
}

// Deps carries the services the routes hand to controllers and middlewares.
type Deps struct {
	Config       config.Config
	Billing      controllers.BillingService
	Webhooks     controllers.WebhookHandler
	Entitlements EntitlementService
	Usage        repository.UsageRepository
	DailyCounter middleware.UsageRecorder
	// LimiterStorage backs the API rate limiter; nil keeps counts in memory.
	LimiterStorage fiber.Storage
	// Ready reports whether the database and cache answer; nil means always ready.
	Ready func(ctx context.Context) error
}

// InstallRouter registers the webhook, health and metrics routes first and
// the tenant API after them.
func InstallRouter(app *fiber.App, deps Deps) {
	billing := controllers.NewBillingController(deps.Billing, deps.Webhooks, deps.Usage)
	ents := controllers.NewEntitlementController(deps.Entitlements, deps.Usage)
	setup(app, NewHttpRouter(deps, billing), NewApiRouter(deps, billing, ents))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
