package tenantcontext

import "github.com/gofiber/fiber/v2"

// Locals keys shared by middlewares and controllers.
const (
	KeyTenantContext = "TENANT_CONTEXT"
	// HeaderTenantID and HeaderAuthMethod are set by the upstream auth gateway.
	HeaderTenantID   = "X-Tenant-ID"
	HeaderAuthMethod = "X-Auth-Method"

	AuthMethodSession = "session"
	AuthMethodAPIKey  = "api_key"
)

// TenantContext identifies the tenant a request acts for.
type TenantContext struct {
	TenantID   string `json:"tenant_id"`
	AuthMethod string `json:"auth_method"`
}

// IsAPIKey reports whether the caller authenticated with a tenant API key.
func (tc TenantContext) IsAPIKey() bool {
	return tc.AuthMethod == AuthMethodAPIKey
}

// Get retrieves the tenant context from fiber context.
// Returns an empty context if none is set.
func Get(c *fiber.Ctx) TenantContext {
	if ctx, ok := c.Locals(KeyTenantContext).(TenantContext); ok {
		return ctx
	}
	return TenantContext{}
}

// TenantID returns the current tenant id, or "" when the request has none.
func TenantID(c *fiber.Ctx) string {
	return Get(c).TenantID
}

func Set(c *fiber.Ctx, tc TenantContext) {
	c.Locals(KeyTenantContext, tc)
}
