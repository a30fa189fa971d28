package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
)

// Options tune how hard the orchestrator tries to persist an outcome after
// the provider already acted on it.
type Options struct {
	WriteRetries int
	RetryBackoff time.Duration
}

// Orchestrator resolves the tenant's provider, calls it and persists the
// outcome. Adapter errors are wrapped so Classify can map them.
type Orchestrator struct {
	repo     Repository
	registry *provider.Registry
	validate *validator.Validate
	opts     Options
	now      func() time.Time
}

func NewOrchestrator(repo Repository, registry *provider.Registry, opts Options) *Orchestrator {
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}
	return &Orchestrator{
		repo:     repo,
		registry: registry,
		validate: validator.New(),
		opts:     opts,
		now:      time.Now,
	}
}

type CreatePaymentInput struct {
	TenantID        string            `json:"-" validate:"required"`
	Amount          int64             `json:"amount" validate:"gt=0"`
	Currency        string            `json:"currency" validate:"required,iso4217"`
	CustomerID      string            `json:"customer_id" validate:"required_without=PaymentMethodID"`
	PaymentMethodID string            `json:"payment_method_id" validate:"required_without=CustomerID"`
	Description     string            `json:"description" validate:"max=500"`
	Metadata        map[string]string `json:"metadata"`
}

// PaymentOutcome is what the caller of CreatePayment sees. A decline is a
// regular outcome with Success=false.
type PaymentOutcome struct {
	Success           bool   `json:"success"`
	PaymentID         string `json:"paymentId,omitempty"`
	Status            string `json:"status,omitempty"`
	ProviderPaymentID string `json:"providerPaymentId,omitempty"`
	RequiresAction    bool   `json:"requiresAction,omitempty"`
	ActionToken       string `json:"actionToken,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

// PaymentView is a payment together with its refund bookkeeping.
type PaymentView struct {
	*models.Payment
	RefundedAmount  int64 `json:"refunded_amount"`
	RemainingAmount int64 `json:"remaining_amount"`
}

func (o *Orchestrator) check(in any) error {
	if err := o.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

// tenantSetting returns the stored settings or the defaults of a tenant
// that never chose anything.
func (o *Orchestrator) tenantSetting(ctx context.Context, repo Repository, tenantID string) (*models.TenantBillingSetting, error) {
	s, err := repo.GetTenantSetting(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return &models.TenantBillingSetting{TenantID: tenantID, Plan: string(entitlements.PlanFree)}, nil
	}
	return s, err
}

func (o *Orchestrator) adapterFor(ctx context.Context, tenantID string) (provider.Adapter, *models.TenantBillingSetting, error) {
	setting, err := o.tenantSetting(ctx, o.repo, tenantID)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := o.registry.Resolve(setting.Provider)
	if err != nil {
		return nil, nil, err
	}
	return adapter, setting, nil
}

func track(providerName, operation string, start time.Time, err error, declined bool) {
	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, provider.ErrUnavailable):
		outcome = metrics.OutcomeUnavailable
	case err != nil:
		outcome = metrics.OutcomeError
	case declined:
		outcome = metrics.OutcomeDeclined
	}
	metrics.ProviderRequests.WithLabelValues(providerName, operation, outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(providerName, operation).Observe(time.Since(start).Seconds())
}

// persist runs fn until it succeeds, the error is one of ours (not worth
// retrying) or the retry budget is spent. Backoff grows linearly.
func (o *Orchestrator) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	// the provider already acted, so a cancelled request must not stop the write
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt <= o.opts.WriteRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if Classify(err) != CategoryInternal {
			return err
		}
		if attempt < o.opts.WriteRetries && o.opts.RetryBackoff > 0 {
			time.Sleep(o.opts.RetryBackoff * time.Duration(attempt+1))
		}
	}
	return err
}

// reconciliationRequired is the alarm for money that moved at the provider
// without a matching local record.
func reconciliationRequired(providerName, operation, localID, providerID string, err error) {
	metrics.ReconciliationRequired.WithLabelValues(providerName, operation).Inc()
	log.Errorw("[Billing] Provider succeeded but local write failed, reconciliation required",
		"severity", "critical",
		"provider", providerName,
		"operation", operation,
		"local_id", localID,
		"provider_id", providerID,
		"error", err,
	)
}

func chargeStatus(res *provider.PaymentResult) string {
	switch {
	case !res.Success:
		return models.PaymentStatusFailed
	case res.Settled && !res.RequiresAction:
		return models.PaymentStatusSucceeded
	default:
		return models.PaymentStatusProcessing
	}
}

func failureReason(code, message string) string {
	switch {
	case code != "" && message != "":
		return code + ": " + message
	case code != "":
		return code
	default:
		return message
	}
}

// CreatePayment charges the tenant's provider. The local row is inserted as
// pending before the call and its id doubles as the idempotency key.
func (o *Orchestrator) CreatePayment(ctx context.Context, in CreatePaymentInput) (*PaymentOutcome, error) {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := o.check(in); err != nil {
		return nil, err
	}

	adapter, setting, err := o.adapterFor(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}
	customerID := in.CustomerID
	if customerID == "" && setting.Provider == adapter.Name() {
		customerID = setting.ProviderCustomerID
	}

	payment := &models.Payment{
		TenantID:        in.TenantID,
		Provider:        adapter.Name(),
		Amount:          in.Amount,
		Currency:        in.Currency,
		Status:          models.PaymentStatusPending,
		PaymentMethodID: in.PaymentMethodID,
		CustomerID:      customerID,
		Description:     in.Description,
	}
	if err := o.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment record: %w", err)
	}

	metadata := make(map[string]string, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	metadata[provider.MetadataPaymentID] = payment.ID
	metadata["tenant_id"] = in.TenantID

	start := time.Now()
	res, err := adapter.CreatePayment(ctx, provider.PaymentRequest{
		Amount:          in.Amount,
		Currency:        in.Currency,
		CustomerID:      customerID,
		PaymentMethodID: in.PaymentMethodID,
		Description:     in.Description,
		IdempotencyKey:  payment.ID,
		Metadata:        metadata,
	})
	track(adapter.Name(), "create_payment", start, err, res != nil && !res.Success)
	if err != nil {
		// The outcome is unknown; the row stays pending until a webhook settles it.
		log.Warnf("[Billing] Payment %s at %s left pending: %v", payment.ID, adapter.Name(), err)
		return nil, fmt.Errorf("create payment at %s: %w", adapter.Name(), err)
	}

	status := chargeStatus(res)
	werr := o.persist(ctx, func(ctx context.Context) error {
		return o.repo.Transaction(ctx, func(tx Repository) error {
			return applyChargeResult(ctx, tx, payment.ID, res.PaymentID, status, failureReason(res.ErrorCode, res.ErrorMessage))
		})
	})
	if werr != nil {
		if res.Success {
			reconciliationRequired(adapter.Name(), "create_payment", payment.ID, res.PaymentID, werr)
		} else {
			log.Errorf("[Billing] Could not record decline of payment %s: %v", payment.ID, werr)
		}
	}

	return &PaymentOutcome{
		Success:           res.Success,
		PaymentID:         payment.ID,
		Status:            status,
		ProviderPaymentID: res.PaymentID,
		RequiresAction:    res.RequiresAction,
		ActionToken:       res.ActionToken,
		ErrorCode:         res.ErrorCode,
		ErrorMessage:      res.ErrorMessage,
	}, nil
}

// applyChargeResult moves a locked payment forward. A webhook that already
// advanced the row further wins; the status never moves backwards.
func applyChargeResult(ctx context.Context, tx Repository, paymentID, providerPaymentID, status, reason string) error {
	p, err := tx.LockPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	changed := false
	if p.ProviderPaymentID == "" && providerPaymentID != "" {
		p.ProviderPaymentID = providerPaymentID
		changed = true
	}
	if p.Status != status && models.CanTransitionPayment(p.Status, status) {
		p.Status = status
		if status == models.PaymentStatusFailed {
			p.FailureReason = reason
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return tx.SavePayment(ctx, p)
}

// GetPayment returns a tenant's payment. Payments of other tenants are
// reported as not found.
func (o *Orchestrator) GetPayment(ctx context.Context, tenantID, paymentID string) (*PaymentView, error) {
	p, err := o.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.TenantID != tenantID {
		return nil, fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	refunded, err := o.repo.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded)
	if err != nil {
		return nil, err
	}
	reserved, err := o.repo.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded, models.RefundStatusPending)
	if err != nil {
		return nil, err
	}
	return &PaymentView{Payment: p, RefundedAmount: refunded, RemainingAmount: p.Amount - reserved}, nil
}

// MaxListedPayments caps ListPayments.
const MaxListedPayments = 1000

// ListPayments returns the tenant's payments created since the given time.
func (o *Orchestrator) ListPayments(ctx context.Context, tenantID string, since time.Time) ([]models.Payment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id required", ErrValidation)
	}
	return o.repo.ListPayments(ctx, tenantID, since.UTC(), MaxListedPayments)
}

type RefundInput struct {
	TenantID  string `validate:"required"`
	PaymentID string `validate:"required"`

	// Amount nil refunds everything that is left.
	Amount *int64
	Reason string `validate:"max=255"`
}

// RefundPayment returns money on a payment. The payment row stays locked
// from the remaining-amount check through the provider call, so concurrent
// refunds cannot exceed the charge.
func (o *Orchestrator) RefundPayment(ctx context.Context, in RefundInput) (*models.Refund, error) {
	if err := o.check(in); err != nil {
		return nil, err
	}

	var (
		payment *models.Payment
		res     *provider.RefundResult
		amount  int64
		refund  *models.Refund
	)
	err := o.repo.Transaction(ctx, func(tx Repository) error {
		p, err := tx.LockPayment(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if p.TenantID != in.TenantID {
			return fmt.Errorf("payment %s: %w", in.PaymentID, ErrNotFound)
		}
		payment = p
		if !p.Refundable() {
			return fmt.Errorf("%w: payment in status %s cannot be refunded", ErrValidation, p.Status)
		}

		reserved, err := tx.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded, models.RefundStatusPending)
		if err != nil {
			return err
		}
		remaining := p.Amount - reserved
		amount = remaining
		if in.Amount != nil {
			amount = *in.Amount
		}
		if amount <= 0 {
			return fmt.Errorf("%w: refund amount must be positive", ErrValidation)
		}
		if amount > remaining {
			return fmt.Errorf("%w: refund of %d exceeds remaining %d", ErrValidation, amount, remaining)
		}

		adapter, err := o.registry.Get(p.Provider)
		if err != nil {
			return err
		}
		start := time.Now()
		res, err = adapter.RefundPayment(ctx, provider.RefundRequest{
			ProviderPaymentID: p.ProviderPaymentID,
			Amount:            amount,
			Currency:          p.Currency,
			Reason:            in.Reason,
			IdempotencyKey:    fmt.Sprintf("refund-%s-%d-%d", p.ID, reserved, amount),
			ReferenceID:       p.ID,
		})
		declined := res != nil && (!res.Success || res.Status == provider.RefundStatusFailed)
		track(p.Provider, "refund_payment", start, err, declined)
		if err != nil {
			return fmt.Errorf("refund at %s: %w", p.Provider, err)
		}
		if declined {
			return fmt.Errorf("%w: %s", ErrDeclined, failureReason(res.ErrorCode, res.ErrorMessage))
		}

		refund, _, err = recordRefund(ctx, tx, p, res.RefundID, amount, res.Status, in.Reason)
		return err
	})
	if err == nil {
		return refund, nil
	}
	if res == nil || !res.Success || res.Status == provider.RefundStatusFailed {
		return nil, err
	}

	// The provider refunded but the transaction did not commit.
	werr := o.persist(ctx, func(ctx context.Context) error {
		return o.repo.Transaction(ctx, func(tx Repository) error {
			p, err := tx.LockPayment(ctx, payment.ID)
			if err != nil {
				return err
			}
			refund, _, err = recordRefund(ctx, tx, p, res.RefundID, amount, res.Status, in.Reason)
			return err
		})
	})
	if werr != nil {
		reconciliationRequired(payment.Provider, "refund_payment", payment.ID, res.RefundID, werr)
		return &models.Refund{
			PaymentID:        payment.ID,
			TenantID:         payment.TenantID,
			Provider:         payment.Provider,
			ProviderRefundID: res.RefundID,
			Amount:           amount,
			Reason:           in.Reason,
			Status:           res.Status,
		}, nil
	}
	return refund, nil
}

// recordRefund stores a refund once per provider refund id and updates the
// locked payment's status from the succeeded total. It reports whether the
// refund row is new.
func recordRefund(ctx context.Context, tx Repository, p *models.Payment, providerRefundID string, amount int64, status, reason string) (*models.Refund, bool, error) {
	if status == "" {
		status = models.RefundStatusSucceeded
	}
	refund := &models.Refund{
		PaymentID:        p.ID,
		TenantID:         p.TenantID,
		Provider:         p.Provider,
		ProviderRefundID: providerRefundID,
		Amount:           amount,
		Reason:           reason,
		Status:           status,
	}
	created, err := tx.CreateRefund(ctx, refund)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := tx.GetRefundByProviderID(ctx, p.Provider, providerRefundID)
		if err != nil {
			return nil, false, err
		}
		if existing.Status != status && existing.Status != models.RefundStatusSucceeded {
			existing.Status = status
			if err := tx.SaveRefund(ctx, existing); err != nil {
				return nil, false, err
			}
		}
		refund = existing
	}
	return refund, created, syncRefundedStatus(ctx, tx, p)
}

func syncRefundedStatus(ctx context.Context, tx Repository, p *models.Payment) error {
	refunded, err := tx.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded)
	if err != nil {
		return err
	}
	next := p.Status
	switch {
	case refunded >= p.Amount:
		next = models.PaymentStatusRefunded
	case refunded > 0:
		next = models.PaymentStatusPartiallyRefunded
	}
	if next == p.Status || !models.CanTransitionPayment(p.Status, next) {
		return nil
	}
	p.Status = next
	return tx.SavePayment(ctx, p)
}

// RefundForCancellation refunds the share of the original charge the
// cancellation policy grants for a reservation starting in hoursUntilStart.
func (o *Orchestrator) RefundForCancellation(ctx context.Context, tenantID, paymentID string, hoursUntilStart float64) (*models.Refund, error) {
	view, err := o.GetPayment(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	amount, err := CancellationRefundAmount(view.Amount, hoursUntilStart)
	if err != nil {
		return nil, err
	}
	return o.RefundPayment(ctx, RefundInput{
		TenantID:  tenantID,
		PaymentID: paymentID,
		Amount:    &amount,
		Reason:    fmt.Sprintf("reservation cancelled %.1fh before start", hoursUntilStart),
	})
}
