package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/SalonFox/app/repository"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/gateway"
	"github.com/ManuelReschke/SalonFox/internal/pkg/cache"
	"github.com/ManuelReschke/SalonFox/internal/pkg/config"
	"github.com/ManuelReschke/SalonFox/internal/pkg/database"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/env"
	"github.com/ManuelReschke/SalonFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/SalonFox/internal/pkg/router"
)

const shutdownTimeout = 10 * time.Second

func main() {
	env.SetupEnvFile()
	cfg := config.Load()

	app, sweeper, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("[App] startup failed: %v", err)
	}
	sweeper.Start()

	go func() {
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)); err != nil {
			log.Fatalf("[App] listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[App] shutting down")
	sweeper.Stop()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[App] shutdown: %v", err)
	}
}

// NewApplication connects the stores, builds the billing services and
// installs the routes.
func NewApplication(cfg config.Config) (*fiber.App, *billing.PeriodEndSweeper, error) {
	if err := database.SetupDatabase(cfg.DB); err != nil {
		return nil, nil, err
	}
	db := database.GetDB()
	rdb := cache.SetupCache(cfg.Cache)

	registry := gateway.NewRegistry(cfg.Billing)
	billingRepo := billing.NewRepository(db)
	orchestrator := billing.NewOrchestrator(billingRepo, registry, billing.Options{
		WriteRetries: cfg.Billing.WriteRetries,
		RetryBackoff: cfg.Billing.WriteRetryBackoff,
	})
	webhooks := billing.NewWebhookProcessor(billingRepo, registry)
	sweeper := billing.NewPeriodEndSweeper(billingRepo, registry, cfg.Billing.SweepInterval, cfg.Billing.SweepGrace)

	usageRepo := repository.NewFactory(db).GetUsageRepository()
	daily := counter.New(rdb)
	ents := entitlements.NewService(billing.NewPlanLookup(billingRepo), usageRepo, daily, rdb, cfg.App.UsageCacheTTL)

	app := fiber.New(fiber.Config{
		AppName:   "SalonFox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Config:         cfg,
		Billing:        orchestrator,
		Webhooks:       webhooks,
		Entitlements:   ents,
		Usage:          usageRepo,
		DailyCounter:   daily,
		LimiterStorage: cache.NewLimiterStorage(cfg.Cache),
		Ready: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("cache: %w", err)
			}
			return nil
		},
	})

	return app, sweeper, nil
}
