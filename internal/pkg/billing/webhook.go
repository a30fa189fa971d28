package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/lifecycle"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// Outcome of a webhook delivery. All three are acknowledged with 200.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// unknownTargetWindow is how long an event for a row that does not exist
// locally is handed back to the provider for redelivery. Past it the event
// is recorded as ignored.
const unknownTargetWindow = 72 * time.Hour

// WebhookProcessor verifies provider deliveries and applies them exactly
// once. The ledger insert and the state change share one transaction, so a
// failed application is retried by the provider's next delivery.
type WebhookProcessor struct {
	repo     Repository
	registry *provider.Registry
	now      func() time.Time
}

func NewWebhookProcessor(repo Repository, registry *provider.Registry) *WebhookProcessor {
	return &WebhookProcessor{repo: repo, registry: registry, now: time.Now}
}

func eventID(meta event.Meta, body []byte) string {
	if meta.ID != "" {
		return meta.ID
	}
	sum := sha256.Sum256(body)
	return "hash:" + hex.EncodeToString(sum[:])
}

func (w *WebhookProcessor) Handle(ctx context.Context, providerName string, req provider.WebhookRequest) (Outcome, error) {
	adapter, err := w.registry.Get(providerName)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, "not_configured").Inc()
		return "", err
	}

	ev, err := adapter.Verify(ctx, req)
	switch {
	case provider.IsSignatureError(err):
		log.Warnf("[Webhook] Rejected %s delivery: %v", adapter.Name(), err)
		metrics.WebhookEvents.WithLabelValues(adapter.Name(), "invalid_signature").Inc()
		return "", err
	case errors.Is(err, provider.ErrMalformedResponse):
		// Authentic but undecodable; acknowledging keeps it from blocking the queue.
		log.Warnf("[Webhook] Ignoring undecodable %s event: %v", adapter.Name(), err)
		metrics.WebhookEvents.WithLabelValues(adapter.Name(), string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	case err != nil:
		metrics.WebhookEvents.WithLabelValues(adapter.Name(), "error").Inc()
		return "", err
	}

	meta := ev.EventMeta()
	id := eventID(meta, req.Body)
	outcome := OutcomeDuplicate
	err = w.repo.Transaction(ctx, func(tx Repository) error {
		record := &models.BillingWebhookEvent{
			Provider:        adapter.Name(),
			ProviderEventID: id,
			EventType:       meta.Type,
			Outcome:         string(OutcomeProcessed),
			PayloadJSON:     string(req.Body),
		}
		if !meta.OccurredAt.IsZero() {
			t := meta.OccurredAt.UTC()
			record.OccurredAt = &t
		}
		created, err := tx.RecordWebhookEvent(ctx, record)
		if err != nil {
			return fmt.Errorf("record webhook event: %w", err)
		}
		if !created {
			return nil
		}

		outcome, err = w.apply(ctx, tx, adapter, ev)
		if err != nil {
			return err
		}
		return tx.MarkWebhookEvent(ctx, record.ID, string(outcome))
	})
	if errors.Is(err, ErrTargetPending) {
		log.Infof("[Webhook] Deferred %s event %s (%s): %v", adapter.Name(), id, meta.Type, err)
		metrics.WebhookEvents.WithLabelValues(adapter.Name(), "deferred").Inc()
		return "", err
	}
	if err != nil {
		log.Errorf("[Webhook] Failed to apply %s event %s (%s): %v", adapter.Name(), id, meta.Type, err)
		metrics.WebhookEvents.WithLabelValues(adapter.Name(), "error").Inc()
		return "", err
	}

	if outcome == OutcomeDuplicate {
		log.Infof("[Webhook] Duplicate %s event %s skipped", adapter.Name(), id)
	}
	metrics.WebhookEvents.WithLabelValues(adapter.Name(), string(outcome)).Inc()
	return outcome, nil
}

func (w *WebhookProcessor) apply(ctx context.Context, tx Repository, adapter provider.Adapter, ev event.Event) (Outcome, error) {
	switch e := ev.(type) {
	case event.ChargeSucceeded:
		return w.chargeStatus(ctx, tx, adapter.Name(), e.Meta, e.ChargeRef, models.PaymentStatusSucceeded, "")
	case event.ChargeFailed:
		return w.chargeStatus(ctx, tx, adapter.Name(), e.Meta, e.ChargeRef, models.PaymentStatusFailed, failureReason(e.Code, e.Reason))
	case event.ChargeApproved:
		return w.capture(ctx, tx, adapter, e)
	case event.ChargeRefunded:
		return w.refund(ctx, tx, adapter.Name(), e)
	case event.InvoicePaid:
		return w.invoice(ctx, tx, adapter.Name(), e.ProviderSubscriptionID, e.Meta, &models.Invoice{
			ProviderInvoiceID: e.ProviderInvoiceID,
			Amount:            e.Amount,
			Currency:          e.Currency,
			Status:            models.InvoiceStatusPaid,
			PeriodStart:       e.PeriodStart,
			PeriodEnd:         e.PeriodEnd,
		}, lifecycle.TriggerChargeSucceeded)
	case event.InvoicePaymentFailed:
		return w.invoice(ctx, tx, adapter.Name(), e.ProviderSubscriptionID, e.Meta, &models.Invoice{
			ProviderInvoiceID: e.ProviderInvoiceID,
			Amount:            e.Amount,
			Currency:          e.Currency,
			Status:            models.InvoiceStatusFailed,
		}, lifecycle.TriggerChargeFailed)
	case event.SubscriptionRetriesExhausted:
		return w.subscription(ctx, tx, adapter.Name(), e.Meta, e.ProviderSubscriptionID, lifecycle.TriggerRetriesExhausted, nil)
	case event.SubscriptionCanceled:
		return w.subscription(ctx, tx, adapter.Name(), e.Meta, e.ProviderSubscriptionID, lifecycle.TriggerCancellationConfirmed, nil)
	case event.SubscriptionCancelScheduled:
		if e.Scheduled {
			return w.subscription(ctx, tx, adapter.Name(), e.Meta, e.ProviderSubscriptionID, lifecycle.TriggerCancellationRequested, nil)
		}
		return w.subscription(ctx, tx, adapter.Name(), e.Meta, e.ProviderSubscriptionID, "", func(s *models.Subscription) error {
			s.CancelAtPeriodEnd = false
			return nil
		})
	case event.Unhandled:
		log.Debugf("[Webhook] Unhandled %s event type %s", adapter.Name(), e.Type)
		return OutcomeIgnored, nil
	default:
		log.Warnf("[Webhook] No handler for %T", ev)
		return OutcomeIgnored, nil
	}
}

// findPayment locks the payment an event refers to, by the provider's id
// first and the echoed local id second. nil means the payment is unknown.
func findPayment(ctx context.Context, tx Repository, providerName string, ref event.ChargeRef) (*models.Payment, error) {
	if ref.ProviderPaymentID != "" {
		p, err := tx.LockPaymentByProviderID(ctx, providerName, ref.ProviderPaymentID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if ref.ReferenceID != "" {
		p, err := tx.LockPayment(ctx, ref.ReferenceID)
		if err == nil && p.Provider == providerName {
			return p, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// unknownTarget hands an event whose row is missing back to the provider.
// Webhooks can arrive before the request that created the row commits, so
// the redelivery usually finds it.
func (w *WebhookProcessor) unknownTarget(meta event.Meta, format string, args ...any) (Outcome, error) {
	what := fmt.Sprintf(format, args...)
	if !meta.OccurredAt.IsZero() && w.now().Sub(meta.OccurredAt) > unknownTargetWindow {
		log.Warnf("[Webhook] %s %s not found locally, giving up", meta.Provider, what)
		return OutcomeIgnored, nil
	}
	return "", fmt.Errorf("%w: %s", ErrTargetPending, what)
}

func (w *WebhookProcessor) chargeStatus(ctx context.Context, tx Repository, providerName string, meta event.Meta, ref event.ChargeRef, status, reason string) (Outcome, error) {
	p, err := findPayment(ctx, tx, providerName, ref)
	if err != nil {
		return "", err
	}
	if p == nil {
		return w.unknownTarget(meta, "payment %s/%s", ref.ProviderPaymentID, ref.ReferenceID)
	}
	if err := applyChargeResult(ctx, tx, p.ID, ref.ProviderPaymentID, status, reason); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (w *WebhookProcessor) capture(ctx context.Context, tx Repository, adapter provider.Adapter, e event.ChargeApproved) (Outcome, error) {
	capturer, ok := adapter.(provider.Capturer)
	if !ok {
		return OutcomeIgnored, nil
	}
	p, err := findPayment(ctx, tx, adapter.Name(), e.ChargeRef)
	if err != nil {
		return "", err
	}
	if p == nil {
		return w.unknownTarget(e.Meta, "approved payment %s", e.ProviderPaymentID)
	}
	if p.Status != models.PaymentStatusPending && p.Status != models.PaymentStatusProcessing {
		return OutcomeProcessed, nil
	}

	providerPaymentID := p.ProviderPaymentID
	if providerPaymentID == "" {
		providerPaymentID = e.ProviderPaymentID
	}
	start := time.Now()
	res, err := capturer.CapturePayment(ctx, providerPaymentID)
	track(adapter.Name(), "capture_payment", start, err, res != nil && !res.Success)
	if err != nil {
		return "", fmt.Errorf("capture %s payment %s: %w", adapter.Name(), providerPaymentID, err)
	}
	if err := applyChargeResult(ctx, tx, p.ID, providerPaymentID, chargeStatus(res), failureReason(res.ErrorCode, res.ErrorMessage)); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (w *WebhookProcessor) refund(ctx context.Context, tx Repository, providerName string, e event.ChargeRefunded) (Outcome, error) {
	var existing *models.Refund
	if e.ProviderRefundID != "" {
		r, err := tx.GetRefundByProviderID(ctx, providerName, e.ProviderRefundID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		existing = r
	}

	p, err := findPayment(ctx, tx, providerName, e.ChargeRef)
	if err != nil {
		return "", err
	}
	if p == nil && existing != nil {
		if p, err = tx.LockPayment(ctx, existing.PaymentID); err != nil {
			return "", err
		}
	}
	if p == nil {
		return w.unknownTarget(e.Meta, "payment %s of refund %s", e.ProviderPaymentID, e.ProviderRefundID)
	}

	status := e.Status
	if status == "" {
		status = models.RefundStatusSucceeded
	}
	if existing != nil {
		_, _, err := recordRefund(ctx, tx, p, existing.ProviderRefundID, existing.Amount, status, existing.Reason)
		if err != nil {
			return "", err
		}
		return OutcomeProcessed, nil
	}

	amount := e.Amount
	if amount == 0 && e.TotalRefunded > 0 {
		// Cumulative networks: only the part not yet recorded is new.
		recorded, err := tx.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded, models.RefundStatusPending)
		if err != nil {
			return "", err
		}
		amount = e.TotalRefunded - recorded
	}
	if amount <= 0 {
		return OutcomeProcessed, nil
	}

	if status != models.RefundStatusFailed {
		reserved, err := tx.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded, models.RefundStatusPending)
		if err != nil {
			return "", err
		}
		if reserved+amount > p.Amount {
			log.Errorw("[Webhook] Refund exceeds the charged amount, not recorded",
				"provider", providerName,
				"payment_id", p.ID,
				"refund_id", e.ProviderRefundID,
				"amount", amount,
				"reserved", reserved,
			)
			return OutcomeIgnored, nil
		}
	}

	refundID := e.ProviderRefundID
	if refundID == "" {
		refundID = "event:" + e.ID
	}
	if _, _, err := recordRefund(ctx, tx, p, refundID, amount, status, "refunded at "+providerName); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (w *WebhookProcessor) invoice(ctx context.Context, tx Repository, providerName, providerSubscriptionID string, meta event.Meta, inv *models.Invoice, trigger lifecycle.Trigger) (Outcome, error) {
	return w.subscription(ctx, tx, providerName, meta, providerSubscriptionID, trigger, func(s *models.Subscription) error {
		if inv.ProviderInvoiceID == "" {
			inv.ProviderInvoiceID = meta.ID
		}
		inv.TenantID = s.TenantID
		inv.SubscriptionID = s.ID
		inv.Provider = providerName
		if err := tx.UpsertInvoice(ctx, inv); err != nil {
			return err
		}
		if inv.PeriodStart != nil {
			s.CurrentPeriodStart = inv.PeriodStart
		}
		if inv.PeriodEnd != nil {
			s.CurrentPeriodEnd = inv.PeriodEnd
		}
		return nil
	})
}

// subscription locks the subscription, lets mutate adjust it and runs the
// trigger. An empty trigger only saves the mutation.
func (w *WebhookProcessor) subscription(ctx context.Context, tx Repository, providerName string, meta event.Meta, providerSubscriptionID string, trigger lifecycle.Trigger, mutate func(*models.Subscription) error) (Outcome, error) {
	sub, err := tx.LockSubscriptionByProviderID(ctx, providerName, providerSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return w.unknownTarget(meta, "subscription %s", providerSubscriptionID)
	}
	if err != nil {
		return "", err
	}
	if mutate != nil {
		if err := mutate(sub); err != nil {
			return "", err
		}
	}
	if trigger == "" {
		return OutcomeProcessed, tx.SaveSubscription(ctx, sub)
	}
	if _, err := applyTrigger(ctx, tx, sub, trigger, w.now()); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}
