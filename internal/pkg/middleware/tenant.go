package middleware

import (
	"regexp"
	"strings"

	"github.com/ManuelReschke/SalonFox/internal/pkg/tenantcontext"
	"github.com/gofiber/fiber/v2"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TenantContextMiddleware reads the tenant id set by the auth gateway and
// stores it in the request locals.
func TenantContextMiddleware(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(tenantcontext.HeaderTenantID))
	if id != "" && tenantIDPattern.MatchString(id) {
		method := strings.ToLower(strings.TrimSpace(c.Get(tenantcontext.HeaderAuthMethod)))
		if method != tenantcontext.AuthMethodAPIKey {
			method = tenantcontext.AuthMethodSession
		}
		tenantcontext.Set(c, tenantcontext.TenantContext{TenantID: id, AuthMethod: method})
	}
	return c.Next()
}

// RequireTenant rejects API requests that carry no valid tenant id.
func RequireTenant(c *fiber.Ctx) error {
	if tenantcontext.TenantID(c) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "tenant id required",
		})
	}
	return c.Next()
}
