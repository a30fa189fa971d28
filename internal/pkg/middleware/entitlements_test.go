package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/SalonFox/internal/pkg/tenantcontext"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	plan entitlements.Plan
	err  error
	used map[entitlements.LimitKey]int64
}

func (s *stubChecker) CanAccessFeature(ctx context.Context, tenantID string, feature entitlements.Feature) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	p, _ := entitlements.LookupPlan(string(s.plan))
	return p.HasFeature(feature), nil
}

func (s *stubChecker) CheckNext(ctx context.Context, tenantID string, key entitlements.LimitKey) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	p, _ := entitlements.LookupPlan(string(s.plan))
	limit, _ := p.Limit(key)
	return limit.Allows(s.used[key] + 1), nil
}

func call(t *testing.T, app *fiber.App, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(tenantcontext.HeaderTenantID, "salon-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func okHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true})
}

func TestRequireFeature(t *testing.T) {
	tests := []struct {
		name       string
		checker    *stubChecker
		wantStatus int
		wantError  string
	}{
		{"included", &stubChecker{plan: entitlements.PlanPro}, fiber.StatusOK, ""},
		{"plan too low", &stubChecker{plan: entitlements.PlanFree}, fiber.StatusPaymentRequired, "plan_upgrade_required"},
		{"unknown plan", &stubChecker{err: fmt.Errorf("%w: unknown plan", entitlements.ErrConfiguration)}, fiber.StatusServiceUnavailable, "system_not_ready"},
		{"lookup failed", &stubChecker{err: errors.New("connection refused")}, fiber.StatusInternalServerError, "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", TenantContextMiddleware, RequireFeature(tt.checker, entitlements.FeatureCSVExport), okHandler)

			status, body := call(t, app, nil)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			} else {
				assert.Equal(t, true, body["ok"])
			}
		})
	}
}

func TestRequireUsage(t *testing.T) {
	tests := []struct {
		name       string
		plan       entitlements.Plan
		used       int64
		wantStatus int
	}{
		{"below limit", entitlements.PlanStandard, 8, fiber.StatusOK},
		{"next unit reaches limit", entitlements.PlanStandard, 9, fiber.StatusPaymentRequired},
		{"zero allowance", entitlements.PlanFree, 0, fiber.StatusPaymentRequired},
		{"unlimited", entitlements.PlanEnterprise, 1_000_000, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &stubChecker{plan: tt.plan, used: map[entitlements.LimitKey]int64{entitlements.LimitMaxExports: tt.used}}
			app := fiber.New()
			app.Get("/", TenantContextMiddleware, RequireUsage(checker, entitlements.LimitMaxExports), okHandler)

			status, body := call(t, app, nil)
			assert.Equal(t, tt.wantStatus, status)
			if status == fiber.StatusPaymentRequired {
				assert.Equal(t, "usage_limit_reached", body["error"])
				assert.Equal(t, "maxExports", body["limit"])
			}
		})
	}
}

func TestCountAPICall(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	daily := counter.New(rdb)
	ctx := context.Background()

	checker := &stubChecker{plan: entitlements.PlanPro, used: map[entitlements.LimitKey]int64{}}
	app := fiber.New()
	app.Get("/", TenantContextMiddleware, CountAPICall(checker, daily), okHandler)
	app.Get("/fail", TenantContextMiddleware, CountAPICall(checker, daily), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})
	apiKey := map[string]string{tenantcontext.HeaderAuthMethod: tenantcontext.AuthMethodAPIKey}

	t.Run("session calls are not counted", func(t *testing.T) {
		status, _ := call(t, app, nil)
		assert.Equal(t, fiber.StatusOK, status)
		n, err := daily.Today(ctx, "salon-1", string(entitlements.LimitMaxAPICallsPerDay))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("api key calls are counted", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			status, _ := call(t, app, apiKey)
			assert.Equal(t, fiber.StatusOK, status)
		}
		n, err := daily.Today(ctx, "salon-1", string(entitlements.LimitMaxAPICallsPerDay))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("failed calls are not counted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fail", nil)
		req.Header.Set(tenantcontext.HeaderTenantID, "salon-1")
		req.Header.Set(tenantcontext.HeaderAuthMethod, tenantcontext.AuthMethodAPIKey)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

		n, err := daily.Today(ctx, "salon-1", string(entitlements.LimitMaxAPICallsPerDay))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("daily allowance used up", func(t *testing.T) {
		p, _ := entitlements.LookupPlan(string(entitlements.PlanPro))
		limit, _ := p.Limit(entitlements.LimitMaxAPICallsPerDay)
		max, _ := limit.Value()
		checker.used[entitlements.LimitMaxAPICallsPerDay] = max

		status, body := call(t, app, apiKey)
		assert.Equal(t, fiber.StatusPaymentRequired, status)
		assert.Equal(t, "usage_limit_reached", body["error"])
	})
}
