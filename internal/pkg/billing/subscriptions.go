package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/lifecycle"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

type CreateSubscriptionInput struct {
	TenantID        string `json:"-" validate:"required"`
	PlanType        string `json:"plan_type" validate:"required"`
	CustomerID      string `json:"customer_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

type SubscriptionOutcome struct {
	Success                bool                 `json:"success"`
	Subscription           *models.Subscription `json:"subscription,omitempty"`
	ProviderSubscriptionID string               `json:"providerSubscriptionId,omitempty"`
	RequiresAction         bool                 `json:"requiresAction,omitempty"`
	ActionToken            string               `json:"actionToken,omitempty"`
	ErrorCode              string               `json:"errorCode,omitempty"`
	ErrorMessage           string               `json:"errorMessage,omitempty"`
}

func paidPlan(raw string) (string, error) {
	plan := string(entitlements.NormalizePlan(raw))
	if !entitlements.IsPaid(plan) {
		return "", fmt.Errorf("%w: %q is not a paid plan", ErrValidation, raw)
	}
	return plan, nil
}

// CreateSubscription starts a paid plan at the tenant's provider. The row
// insert and the tenant plan update commit together, under the tenant lock
// that guards the single active slot.
func (o *Orchestrator) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*SubscriptionOutcome, error) {
	if err := o.check(in); err != nil {
		return nil, err
	}
	plan, err := paidPlan(in.PlanType)
	if err != nil {
		return nil, err
	}

	if _, err := o.repo.FindCurrentSubscription(ctx, in.TenantID); err == nil {
		return nil, ErrSubscriptionExists
	} else if !errors.Is(err, ErrNotFound) {
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
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrValidation)
	}

	start := time.Now()
	res, err := adapter.CreateSubscription(ctx, provider.SubscriptionRequest{
		PlanID:          plan,
		CustomerID:      customerID,
		PaymentMethodID: in.PaymentMethodID,
		IdempotencyKey:  uuid.NewString(),
		Metadata:        map[string]string{"tenant_id": in.TenantID, "plan_type": plan},
	})
	track(adapter.Name(), "create_subscription", start, err, res != nil && !res.Success)
	if err != nil {
		return nil, fmt.Errorf("create subscription at %s: %w", adapter.Name(), err)
	}
	if !res.Success {
		return &SubscriptionOutcome{ErrorCode: res.ErrorCode, ErrorMessage: res.ErrorMessage}, nil
	}

	status := models.SubscriptionStatusTrialing
	if res.SubscriptionStatus == provider.SubscriptionStatusActive {
		status = models.SubscriptionStatusActive
	}
	sub := &models.Subscription{
		TenantID:               in.TenantID,
		PlanType:               plan,
		Provider:               adapter.Name(),
		ProviderSubscriptionID: res.PaymentID,
		Status:                 status,
		CurrentPeriodStart:     res.PeriodStart,
		CurrentPeriodEnd:       res.PeriodEnd,
		PaymentMethodID:        in.PaymentMethodID,
		CustomerID:             customerID,
	}

	werr := o.persist(ctx, func(ctx context.Context) error {
		return o.repo.Transaction(ctx, func(tx Repository) error {
			ts, err := tx.LockTenantSetting(ctx, in.TenantID)
			if err != nil {
				return err
			}
			// Slot holders only leave the occupying states, so a plain read
			// under the tenant lock is enough.
			if _, err := tx.FindCurrentSubscription(ctx, in.TenantID); err == nil {
				return ErrSubscriptionExists
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
			ts.Plan = plan
			if ts.Provider == "" || ts.Provider == adapter.Name() {
				ts.Provider = adapter.Name()
				ts.ProviderCustomerID = customerID
			}
			return tx.SaveTenantSetting(ctx, ts)
		})
	})
	switch {
	case errors.Is(werr, ErrSubscriptionExists):
		// Another request won the slot while the provider call was running.
		if _, cerr := adapter.CancelSubscription(context.WithoutCancel(ctx), res.PaymentID, true); cerr != nil {
			reconciliationRequired(adapter.Name(), "create_subscription", in.TenantID, res.PaymentID, cerr)
		}
		return nil, ErrSubscriptionExists
	case werr != nil:
		reconciliationRequired(adapter.Name(), "create_subscription", in.TenantID, res.PaymentID, werr)
	}

	log.Infof("[Billing] Tenant %s subscribed to %s at %s (%s)", in.TenantID, plan, adapter.Name(), status)
	return &SubscriptionOutcome{
		Success:                true,
		Subscription:           sub,
		ProviderSubscriptionID: res.PaymentID,
		RequiresAction:         res.RequiresAction,
		ActionToken:            res.ActionToken,
	}, nil
}

// CurrentSubscription returns the subscription holding the tenant's slot.
func (o *Orchestrator) CurrentSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	return o.repo.FindCurrentSubscription(ctx, tenantID)
}

// ChangePlan moves the current subscription to another paid plan. Proration
// is left to the provider.
func (o *Orchestrator) ChangePlan(ctx context.Context, tenantID, newPlan string) (*models.Subscription, error) {
	plan, err := paidPlan(newPlan)
	if err != nil {
		return nil, err
	}
	current, err := o.repo.FindCurrentSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current.PlanType == plan {
		return current, nil
	}
	adapter, err := o.registry.Get(current.Provider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, err = adapter.UpdateSubscription(ctx, current.ProviderSubscriptionID, plan)
	track(adapter.Name(), "update_subscription", start, err, false)
	if err != nil {
		return nil, fmt.Errorf("change plan at %s: %w", adapter.Name(), err)
	}

	var updated *models.Subscription
	werr := o.persist(ctx, func(ctx context.Context) error {
		return o.repo.Transaction(ctx, func(tx Repository) error {
			sub, err := tx.LockSubscriptionByProviderID(ctx, current.Provider, current.ProviderSubscriptionID)
			if err != nil {
				return err
			}
			sub.PlanType = plan
			if lifecycle.Status(sub.Status).Occupying() {
				ts, err := tx.LockTenantSetting(ctx, sub.TenantID)
				if err != nil {
					return err
				}
				ts.Plan = plan
				if err := tx.SaveTenantSetting(ctx, ts); err != nil {
					return err
				}
			}
			updated = sub
			return tx.SaveSubscription(ctx, sub)
		})
	})
	if werr != nil {
		reconciliationRequired(adapter.Name(), "update_subscription", current.ID, current.ProviderSubscriptionID, werr)
		current.PlanType = plan
		return current, nil
	}
	return updated, nil
}

// CancelSubscription cancels at period end, or right away when immediately
// is set. A period-end cancellation only flags the subscription.
func (o *Orchestrator) CancelSubscription(ctx context.Context, tenantID string, immediately bool) (*models.Subscription, error) {
	current, err := o.repo.FindCurrentSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	adapter, err := o.registry.Get(current.Provider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, err = adapter.CancelSubscription(ctx, current.ProviderSubscriptionID, immediately)
	track(adapter.Name(), "cancel_subscription", start, err, false)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription at %s: %w", adapter.Name(), err)
	}

	trigger := lifecycle.TriggerCancellationRequested
	if immediately {
		trigger = lifecycle.TriggerCancellationConfirmed
	}
	var updated *models.Subscription
	werr := o.persist(ctx, func(ctx context.Context) error {
		return o.repo.Transaction(ctx, func(tx Repository) error {
			sub, err := tx.LockSubscriptionByProviderID(ctx, current.Provider, current.ProviderSubscriptionID)
			if err != nil {
				return err
			}
			if _, err := applyTrigger(ctx, tx, sub, trigger, o.now()); err != nil {
				return err
			}
			updated = sub
			return nil
		})
	})
	if werr != nil {
		reconciliationRequired(adapter.Name(), "cancel_subscription", current.ID, current.ProviderSubscriptionID, werr)
		return current, nil
	}
	return updated, nil
}

// ListPaymentMethods lists the stored payment methods of the tenant's
// customer at its provider. A tenant without a customer has none.
func (o *Orchestrator) ListPaymentMethods(ctx context.Context, tenantID string) ([]provider.PaymentMethod, error) {
	adapter, setting, err := o.adapterFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if setting.ProviderCustomerID == "" || setting.Provider != adapter.Name() {
		return []provider.PaymentMethod{}, nil
	}

	start := time.Now()
	methods, err := adapter.RetrievePaymentMethods(ctx, setting.ProviderCustomerID)
	track(adapter.Name(), "retrieve_payment_methods", start, err, false)
	if err != nil {
		return nil, fmt.Errorf("list payment methods at %s: %w", adapter.Name(), err)
	}
	if methods == nil {
		methods = []provider.PaymentMethod{}
	}
	return methods, nil
}

// SetTenantProvider records the provider a tenant pays through. Switching
// providers is refused while a subscription at the old one holds the slot.
func (o *Orchestrator) SetTenantProvider(ctx context.Context, tenantID, name, customerID string) (*models.TenantBillingSetting, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if tenantID == "" || !knownProvider(name) {
		return nil, fmt.Errorf("%w: unknown payment provider %q", ErrValidation, name)
	}
	if _, err := o.registry.Get(name); err != nil {
		return nil, err
	}

	var out *models.TenantBillingSetting
	err := o.repo.Transaction(ctx, func(tx Repository) error {
		ts, err := tx.LockTenantSetting(ctx, tenantID)
		if err != nil {
			return err
		}
		if ts.Provider != name {
			current, err := tx.FindCurrentSubscription(ctx, tenantID)
			if err == nil && current.Provider != name {
				return fmt.Errorf("%w: cancel the %s subscription before switching provider", ErrValidation, current.Provider)
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			ts.ProviderCustomerID = ""
		}
		ts.Provider = name
		if customerID != "" {
			ts.ProviderCustomerID = customerID
		}
		out = ts
		return tx.SaveTenantSetting(ctx, ts)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Tenant %s now pays through %s", tenantID, name)
	return out, nil
}

func knownProvider(name string) bool {
	for _, n := range provider.PriorityOrder {
		if n == name {
			return true
		}
	}
	return false
}

// applyTrigger runs the state machine on a locked subscription and applies
// the resulting effects. The subscription is always saved, so callers may
// change other fields before. Lock order is subscription, then tenant.
func applyTrigger(ctx context.Context, tx Repository, sub *models.Subscription, trigger lifecycle.Trigger, now time.Time) (lifecycle.Outcome, error) {
	out := lifecycle.Transition(lifecycle.Status(sub.Status), trigger)
	if !out.Applied {
		log.Infof("[Billing] Subscription %s: no transition for %s in state %s", sub.ID, trigger, sub.Status)
		return out, tx.SaveSubscription(ctx, sub)
	}

	sub.Status = string(out.To)
	if out.Has(lifecycle.EffectScheduleCancel) {
		sub.CancelAtPeriodEnd = true
	}
	if out.To == lifecycle.StatusCanceled && sub.CanceledAt == nil {
		t := now.UTC()
		sub.CanceledAt = &t
	}

	if out.Has(lifecycle.EffectGrantPlan) || out.Has(lifecycle.EffectRevokePlan) {
		ts, err := tx.LockTenantSetting(ctx, sub.TenantID)
		if err != nil {
			return out, err
		}
		holds, err := holdsSlot(ctx, tx, sub)
		if err != nil {
			return out, err
		}
		if holds {
			if out.Has(lifecycle.EffectGrantPlan) {
				ts.Plan = sub.PlanType
			} else {
				ts.Plan = string(entitlements.PlanFree)
			}
			if err := tx.SaveTenantSetting(ctx, ts); err != nil {
				return out, err
			}
		} else {
			log.Infof("[Billing] Subscription %s no longer holds the slot of tenant %s, plan left at %s", sub.ID, sub.TenantID, ts.Plan)
		}
	}

	if out.From != out.To {
		log.Infof("[Billing] Subscription %s: %s -> %s (%s)", sub.ID, out.From, out.To, trigger)
	}
	return out, tx.SaveSubscription(ctx, sub)
}

// holdsSlot reports whether sub may set the tenant plan: no other
// subscription occupies the tenant's slot. The stored rows are read, so
// the status change on sub is not visible yet. Call with the tenant locked.
func holdsSlot(ctx context.Context, tx Repository, sub *models.Subscription) (bool, error) {
	current, err := tx.FindCurrentSubscription(ctx, sub.TenantID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return current.ID == sub.ID, nil
}
