package controllers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/app/repository"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/tenantcontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// ============================================================================
// BILLING CONTROLLER
// ============================================================================

// BillingService is the part of billing.Orchestrator the API exposes.
type BillingService interface {
	CreatePayment(ctx context.Context, in billing.CreatePaymentInput) (*billing.PaymentOutcome, error)
	GetPayment(ctx context.Context, tenantID, paymentID string) (*billing.PaymentView, error)
	ListPayments(ctx context.Context, tenantID string, since time.Time) ([]models.Payment, error)
	RefundPayment(ctx context.Context, in billing.RefundInput) (*models.Refund, error)
	RefundForCancellation(ctx context.Context, tenantID, paymentID string, hoursUntilStart float64) (*models.Refund, error)
	ListPaymentMethods(ctx context.Context, tenantID string) ([]provider.PaymentMethod, error)
	CreateSubscription(ctx context.Context, in billing.CreateSubscriptionInput) (*billing.SubscriptionOutcome, error)
	CurrentSubscription(ctx context.Context, tenantID string) (*models.Subscription, error)
	ChangePlan(ctx context.Context, tenantID, newPlan string) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, tenantID string, immediately bool) (*models.Subscription, error)
	SetTenantProvider(ctx context.Context, tenantID, name, customerID string) (*models.TenantBillingSetting, error)
}

// WebhookHandler applies verified provider deliveries.
type WebhookHandler interface {
	Handle(ctx context.Context, providerName string, req provider.WebhookRequest) (billing.Outcome, error)
}

// BillingController handles the payment, subscription and webhook endpoints
type BillingController struct {
	billing   BillingService
	webhooks  WebhookHandler
	usageRepo repository.UsageRepository
}

// NewBillingController creates a new billing controller
func NewBillingController(svc BillingService, webhooks WebhookHandler, usageRepo repository.UsageRepository) *BillingController {
	return &BillingController{billing: svc, webhooks: webhooks, usageRepo: usageRepo}
}

const defaultPaymentWindow = 30 * 24 * time.Hour

var paymentCSVHeader = []string{"id", "created_at", "provider", "provider_payment_id", "amount", "currency", "status", "customer_id", "description"}

type refundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

type cancellationRefundRequest struct {
	HoursUntilStart *float64 `json:"hours_until_start"`
}

type changePlanRequest struct {
	PlanType string `json:"plan_type"`
}

type setProviderRequest struct {
	Provider   string `json:"provider"`
	CustomerID string `json:"customer_id"`
}

// HandleCreatePayment charges the tenant's payment provider
func (bc *BillingController) HandleCreatePayment(c *fiber.Ctx) error {
	var in billing.CreatePaymentInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid request body")
	}
	in.TenantID = tenantcontext.TenantID(c)

	out, err := bc.billing.CreatePayment(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(out)
}

// HandleGetPayment returns a payment with its refunded total
func (bc *BillingController) HandleGetPayment(c *fiber.Ctx) error {
	view, err := bc.billing.GetPayment(c.UserContext(), tenantcontext.TenantID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

// parseSince reads ?since= as RFC3339, defaulting to the last 30 days
func parseSince(c *fiber.Ctx) (time.Time, error) {
	raw := c.Query("since")
	if raw == "" {
		return time.Now().UTC().Add(-defaultPaymentWindow), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// HandleListPayments lists the tenant's payments, newest first
func (bc *BillingController) HandleListPayments(c *fiber.Ctx) error {
	since, err := parseSince(c)
	if err != nil {
		return badRequest(c, "since must be an RFC3339 timestamp")
	}

	payments, err := bc.billing.ListPayments(c.UserContext(), tenantcontext.TenantID(c), since)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"payments": payments, "count": len(payments)})
}

// HandleExportPayments streams the tenant's payments as CSV and counts the
// export against the monthly export allowance.
func (bc *BillingController) HandleExportPayments(c *fiber.Ctx) error {
	since, err := parseSince(c)
	if err != nil {
		return badRequest(c, "since must be an RFC3339 timestamp")
	}

	tenantID := tenantcontext.TenantID(c)
	payments, err := bc.billing.ListPayments(c.UserContext(), tenantID, since)
	if err != nil {
		return respondError(c, err)
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(paymentCSVHeader); err != nil {
		return err
	}
	for _, p := range payments {
		row := []string{
			p.ID,
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.Provider,
			p.ProviderPaymentID,
			strconv.FormatInt(p.Amount, 10),
			p.Currency,
			p.Status,
			p.CustomerID,
			p.Description,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	record := &models.UsageRecord{TenantID: tenantID, Metric: string(entitlements.LimitMaxExports), Quantity: 1}
	if err := bc.usageRepo.Record(c.UserContext(), record); err != nil {
		log.Warnf("[Billing] export by %s not counted: %v", tenantID, err)
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="payments-%s.csv"`, time.Now().UTC().Format("20060102")))
	return c.SendString(buf.String())
}

// HandleRefundPayment refunds part or all of a settled payment
func (bc *BillingController) HandleRefundPayment(c *fiber.Ctx) error {
	var req refundRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	refund, err := bc.billing.RefundPayment(c.UserContext(), billing.RefundInput{
		TenantID:  tenantcontext.TenantID(c),
		PaymentID: c.Params("id"),
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "refund": refund})
}

// HandleCancellationRefund refunds according to the cancellation policy
func (bc *BillingController) HandleCancellationRefund(c *fiber.Ctx) error {
	var req cancellationRefundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.HoursUntilStart == nil {
		return badRequest(c, "hours_until_start is required")
	}

	refund, err := bc.billing.RefundForCancellation(c.UserContext(), tenantcontext.TenantID(c), c.Params("id"), *req.HoursUntilStart)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "refund": refund})
}

// HandleListPaymentMethods lists the stored methods of the tenant's customer
func (bc *BillingController) HandleListPaymentMethods(c *fiber.Ctx) error {
	methods, err := bc.billing.ListPaymentMethods(c.UserContext(), tenantcontext.TenantID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"payment_methods": methods})
}

// HandleCreateSubscription starts a paid plan
func (bc *BillingController) HandleCreateSubscription(c *fiber.Ctx) error {
	var in billing.CreateSubscriptionInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid request body")
	}
	in.TenantID = tenantcontext.TenantID(c)

	out, err := bc.billing.CreateSubscription(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	if out.Success {
		return c.Status(fiber.StatusCreated).JSON(out)
	}
	return c.JSON(out)
}

// HandleGetSubscription returns the tenant's current subscription
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	sub, err := bc.billing.CurrentSubscription(c.UserContext(), tenantcontext.TenantID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sub)
}

// HandleChangePlan moves the current subscription to another plan
func (bc *BillingController) HandleChangePlan(c *fiber.Ctx) error {
	var req changePlanRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	sub, err := bc.billing.ChangePlan(c.UserContext(), tenantcontext.TenantID(c), req.PlanType)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sub)
}

// HandleCancelSubscription cancels at period end, or now with ?immediately=true
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	immediately := c.QueryBool("immediately", false)

	sub, err := bc.billing.CancelSubscription(c.UserContext(), tenantcontext.TenantID(c), immediately)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sub)
}

// HandleSetProvider chooses the payment provider the tenant pays through
func (bc *BillingController) HandleSetProvider(c *fiber.Ctx) error {
	var req setProviderRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	setting, err := bc.billing.SetTenantProvider(c.UserContext(), tenantcontext.TenantID(c), req.Provider, req.CustomerID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(setting)
}

// HandleWebhook receives provider event deliveries. Anything but 2xx makes
// the provider deliver again, so only failures worth retrying return 5xx.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	name := strings.ToLower(c.Params("provider"))

	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	req := provider.WebhookRequest{
		// fasthttp reuses the body buffer after the handler returns
		Body:   append([]byte(nil), c.Body()...),
		Header: header,
		URL:    c.BaseURL() + c.OriginalURL(),
	}

	outcome, err := bc.webhooks.Handle(c.UserContext(), name, req)
	if err != nil {
		switch billing.Classify(err) {
		case billing.CategorySignature:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		case billing.CategoryConfiguration:
			if errors.Is(err, provider.ErrNotConfigured) {
				log.Warnf("[Webhook] Delivery for unconfigured provider %q", name)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "system_not_ready"})
		case billing.CategoryUnavailable:
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "retry_later"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
		}
	}
	return c.JSON(fiber.Map{"status": outcome})
}
