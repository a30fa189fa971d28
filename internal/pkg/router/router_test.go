package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ManuelReschke/SalonFox/app/controllers"
	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/app/repository"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/config"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBilling struct {
	controllers.BillingService
}

func (stubBilling) ListPayments(ctx context.Context, tenantID string, since time.Time) ([]models.Payment, error) {
	return []models.Payment{{ID: "p1", TenantID: tenantID, Amount: 1000}}, nil
}

type stubWebhooks struct{}

func (stubWebhooks) Handle(ctx context.Context, providerName string, req provider.WebhookRequest) (billing.Outcome, error) {
	return billing.OutcomeProcessed, nil
}

type stubEntitlements struct {
	EntitlementService
	plan entitlements.Plan
}

func (s stubEntitlements) CanAccessFeature(ctx context.Context, tenantID string, feature entitlements.Feature) (bool, error) {
	p, _ := entitlements.LookupPlan(string(s.plan))
	return p.HasFeature(feature), nil
}

func (s stubEntitlements) CheckNext(ctx context.Context, tenantID string, key entitlements.LimitKey) (bool, error) {
	p, _ := entitlements.LookupPlan(string(s.plan))
	limit, _ := p.Limit(key)
	return limit.Allows(1), nil
}

type stubUsage struct {
	repository.UsageRepository
	recorded int
}

func (s *stubUsage) Record(ctx context.Context, record *models.UsageRecord) error {
	s.recorded++
	return nil
}

type stubCounter struct{}

func (stubCounter) Add(ctx context.Context, tenantID, name string, delta int64) (int64, error) {
	return 1, nil
}

func newTestApp(plan entitlements.Plan, mutate func(*Deps)) (*fiber.App, *stubUsage) {
	usage := &stubUsage{}
	deps := Deps{
		Config: config.Config{
			App:     config.App{RateLimitMax: 100, RateLimitWindow: time.Minute},
			Metrics: config.Metrics{User: "prom", Password: "secret"},
		},
		Billing:      stubBilling{},
		Webhooks:     stubWebhooks{},
		Entitlements: stubEntitlements{plan: plan},
		Usage:        usage,
		DailyCounter: stubCounter{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	app := fiber.New()
	InstallRouter(app, deps)
	return app, usage
}

func do(t *testing.T, app *fiber.App, method, path string, tenant bool) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if tenant {
		req.Header.Set("X-Tenant-ID", "salon-1")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestInstallRouter_Routes(t *testing.T) {
	app, _ := newTestApp(entitlements.PlanPro, nil)

	tests := []struct {
		name   string
		method string
		path   string
		tenant bool
		want   int
	}{
		{"health", http.MethodGet, "/healthz", false, fiber.StatusOK},
		{"metrics need credentials", http.MethodGet, "/metrics", false, fiber.StatusUnauthorized},
		{"webhook needs no tenant", http.MethodPost, "/webhooks/stripe", false, fiber.StatusOK},
		{"api needs tenant", http.MethodGet, "/api/v1/payments", false, fiber.StatusUnauthorized},
		{"payments list", http.MethodGet, "/api/v1/payments", true, fiber.StatusOK},
		{"unknown limit key", http.MethodGet, "/api/v1/entitlements/limits/maxUnicorns", true, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, app, tt.method, tt.path, tt.tenant)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestInstallRouter_MetricsWithCredentials(t *testing.T) {
	app, _ := newTestApp(entitlements.PlanPro, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "secret")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestInstallRouter_ExportIsPlanGated(t *testing.T) {
	tests := []struct {
		plan         entitlements.Plan
		wantStatus   int
		wantRecorded int
	}{
		{entitlements.PlanFree, fiber.StatusPaymentRequired, 0},
		{entitlements.PlanPro, fiber.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			app, usage := newTestApp(tt.plan, nil)
			resp := do(t, app, http.MethodGet, "/api/v1/payments/export", true)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantRecorded, usage.recorded)
		})
	}
}

func TestInstallRouter_RateLimit(t *testing.T) {
	app, _ := newTestApp(entitlements.PlanPro, func(d *Deps) {
		d.Config.App.RateLimitMax = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, fiber.StatusOK, do(t, app, http.MethodGet, "/api/v1/payments", true).StatusCode)
	}
	assert.Equal(t, fiber.StatusTooManyRequests, do(t, app, http.MethodGet, "/api/v1/payments", true).StatusCode)
}

func TestInstallRouter_HealthReportsDependencies(t *testing.T) {
	app, _ := newTestApp(entitlements.PlanPro, func(d *Deps) {
		d.Ready = func(ctx context.Context) error { return errors.New("database unreachable") }
	})
	assert.Equal(t, fiber.StatusServiceUnavailable, do(t, app, http.MethodGet, "/healthz", false).StatusCode)
}
