// Package stripe adapts the Stripe API to the provider contract.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

const name = provider.NameStripe

type Config struct {
	SecretKey     string
	WebhookSecret string
	Plans         provider.PlanTable
	Timeout       time.Duration
	// BaseURL overrides the API endpoint, used against test servers.
	BaseURL           string
	MaxNetworkRetries int64
}

type Adapter struct {
	api           *client.API
	webhookSecret string
	plans         provider.PlanTable
}

func New(cfg Config) *Adapter {
	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripeapi.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripeapi.String(cfg.BaseURL)
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripeapi.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Adapter{api: api, webhookSecret: cfg.WebhookSecret, plans: cfg.Plans}
}

func (a *Adapter) Name() string { return name }

func (a *Adapter) CreatePayment(ctx context.Context, req provider.PaymentRequest) (*provider.PaymentResult, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(req.Amount),
		Currency: stripeapi.String(strings.ToLower(req.Currency)),
		Confirm:  stripeapi.Bool(true),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripeapi.Bool(true),
			AllowRedirects: stripeapi.String("never"),
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripeapi.String(req.CustomerID)
	}
	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripeapi.String(req.PaymentMethodID)
	}
	if req.Description != "" {
		params.Description = stripeapi.String(req.Description)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripeapi.String(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		if res, ok := declineFrom(err); ok {
			return res, nil
		}
		return nil, mapError(err)
	}
	return paymentIntentResult(pi), nil
}

func paymentIntentResult(pi *stripeapi.PaymentIntent) *provider.PaymentResult {
	res := &provider.PaymentResult{PaymentID: pi.ID}
	switch pi.Status {
	case stripeapi.PaymentIntentStatusSucceeded:
		res.Success = true
		res.Settled = true
	case stripeapi.PaymentIntentStatusProcessing, stripeapi.PaymentIntentStatusRequiresCapture:
		res.Success = true
	case stripeapi.PaymentIntentStatusRequiresAction, stripeapi.PaymentIntentStatusRequiresConfirmation:
		res.Success = true
		res.RequiresAction = true
		res.ActionToken = pi.ClientSecret
	default:
		res.ErrorCode = string(pi.Status)
		res.ErrorMessage = "payment was not completed"
		if pi.LastPaymentError != nil {
			res.ErrorCode = string(pi.LastPaymentError.Code)
			res.ErrorMessage = pi.LastPaymentError.Msg
		}
	}
	return res
}

func (a *Adapter) CreateSubscription(ctx context.Context, req provider.SubscriptionRequest) (*provider.PaymentResult, error) {
	price, err := a.plans.Resolve(req.PlanID)
	if err != nil {
		return nil, err
	}

	params := &stripeapi.SubscriptionParams{
		Customer: stripeapi.String(req.CustomerID),
		Items: []*stripeapi.SubscriptionItemsParams{
			{Price: stripeapi.String(price)},
		},
		PaymentBehavior: stripeapi.String("allow_incomplete"),
	}
	if req.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripeapi.String(req.PaymentMethodID)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = req.Metadata
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripeapi.String(req.IdempotencyKey)
	}
	params.AddExpand("latest_invoice")
	params.Context = ctx

	sub, err := a.api.Subscriptions.New(params)
	if err != nil {
		if res, ok := declineFrom(err); ok {
			return res, nil
		}
		return nil, mapError(err)
	}

	res := &provider.PaymentResult{Success: true, PaymentID: sub.ID}
	switch sub.Status {
	case stripeapi.SubscriptionStatusActive:
		res.SubscriptionStatus = provider.SubscriptionStatusActive
		res.Settled = true
	case stripeapi.SubscriptionStatusTrialing:
		res.SubscriptionStatus = provider.SubscriptionStatusTrialing
	case stripeapi.SubscriptionStatusIncomplete:
		res.SubscriptionStatus = provider.SubscriptionStatusTrialing
		res.RequiresAction = true
		if sub.LatestInvoice != nil {
			res.ActionToken = sub.LatestInvoice.HostedInvoiceURL
		}
	default:
		return provider.Declined(string(sub.Status), "subscription could not be started"), nil
	}
	return res, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, providerSubscriptionID string, immediately bool) (bool, error) {
	if immediately {
		params := &stripeapi.SubscriptionCancelParams{}
		params.Context = ctx
		if _, err := a.api.Subscriptions.Cancel(providerSubscriptionID, params); err != nil {
			return false, mapError(err)
		}
		return true, nil
	}

	params := &stripeapi.SubscriptionParams{CancelAtPeriodEnd: stripeapi.Bool(true)}
	params.Context = ctx
	if _, err := a.api.Subscriptions.Update(providerSubscriptionID, params); err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (a *Adapter) UpdateSubscription(ctx context.Context, providerSubscriptionID, newPlanID string) (bool, error) {
	price, err := a.plans.Resolve(newPlanID)
	if err != nil {
		return false, err
	}

	getParams := &stripeapi.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := a.api.Subscriptions.Get(providerSubscriptionID, getParams)
	if err != nil {
		return false, mapError(err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return false, provider.Malformed(name, fmt.Errorf("subscription %s has no items", providerSubscriptionID))
	}

	params := &stripeapi.SubscriptionParams{
		Items: []*stripeapi.SubscriptionItemsParams{
			{ID: stripeapi.String(sub.Items.Data[0].ID), Price: stripeapi.String(price)},
		},
		ProrationBehavior: stripeapi.String("create_prorations"),
	}
	params.Context = ctx
	if _, err := a.api.Subscriptions.Update(providerSubscriptionID, params); err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (a *Adapter) RetrievePaymentMethods(ctx context.Context, customerID string) ([]provider.PaymentMethod, error) {
	params := &stripeapi.PaymentMethodListParams{
		Customer: stripeapi.String(customerID),
		Type:     stripeapi.String("card"),
	}
	params.Context = ctx

	out := []provider.PaymentMethod{}
	iter := a.api.PaymentMethods.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		m := provider.PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
		if pm.Card != nil {
			m.Brand = string(pm.Card.Brand)
			m.Last4 = pm.Card.Last4
			m.ExpMonth = int(pm.Card.ExpMonth)
			m.ExpYear = int(pm.Card.ExpYear)
		}
		out = append(out, m)
	}
	if err := iter.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

var refundReasons = map[string]bool{"duplicate": true, "fraudulent": true, "requested_by_customer": true}

func (a *Adapter) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.ProviderPaymentID),
		Amount:        stripeapi.Int64(req.Amount),
	}
	if req.ReferenceID != "" {
		params.AddMetadata(provider.MetadataPaymentID, req.ReferenceID)
	}
	if refundReasons[req.Reason] {
		params.Reason = stripeapi.String(req.Reason)
	} else if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripeapi.String(req.IdempotencyKey)
	}
	params.Context = ctx

	r, err := a.api.Refunds.New(params)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusBadRequest {
			return &provider.RefundResult{Status: provider.RefundStatusFailed, ErrorCode: string(stripeErr.Code), ErrorMessage: stripeErr.Msg}, nil
		}
		return nil, mapError(err)
	}
	return refundResult(r.ID, string(r.Status)), nil
}

func refundResult(id, status string) *provider.RefundResult {
	switch status {
	case "succeeded":
		return &provider.RefundResult{Success: true, RefundID: id, Status: provider.RefundStatusSucceeded}
	case "pending", "requires_action":
		return &provider.RefundResult{Success: true, RefundID: id, Status: provider.RefundStatusPending}
	default:
		return &provider.RefundResult{RefundID: id, Status: provider.RefundStatusFailed, ErrorCode: status, ErrorMessage: "refund " + status}
	}
}

// declineFrom turns a card error into a structured decline.
func declineFrom(err error) (*provider.PaymentResult, bool) {
	var stripeErr *stripeapi.Error
	if !errors.As(err, &stripeErr) || stripeErr.Type != stripeapi.ErrorTypeCard {
		return nil, false
	}
	code := string(stripeErr.Code)
	if stripeErr.DeclineCode != "" {
		code = string(stripeErr.DeclineCode)
	}
	res := provider.Declined(code, stripeErr.Msg)
	if stripeErr.PaymentIntent != nil {
		res.PaymentID = stripeErr.PaymentIntent.ID
	}
	return res, true
}

func mapError(err error) error {
	var stripeErr *stripeapi.Error
	if !errors.As(err, &stripeErr) {
		return provider.TransportError(name, err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", name, provider.ErrCredentials, stripeErr.Msg)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return provider.Unavailable(name, stripeErr)
	case stripeErr.HTTPStatusCode == 0:
		return provider.Unavailable(name, stripeErr)
	default:
		return provider.Rejected(name, stripeErr)
	}
}
