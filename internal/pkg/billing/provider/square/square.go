// Package square adapts the Square REST API to the provider contract.
package square

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
)

const (
	name       = provider.NameSquare
	apiVersion = "2025-01-23"
)

type Config struct {
	AccessToken         string
	LocationID          string
	WebhookSignatureKey string
	// NotificationURL is the exact URL configured for the webhook
	// subscription; Square signs it together with the body.
	NotificationURL string
	BaseURL         string
	Plans           provider.PlanTable
	Timeout         time.Duration
}

type Adapter struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (a *Adapter) Name() string { return name }

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type apiError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type errorBody struct {
	Errors []apiError `json:"errors"`
}

// decline reports whether Square rejected the payment instrument itself.
func (e errorBody) decline() (apiError, bool) {
	for _, er := range e.Errors {
		if er.Category == "PAYMENT_METHOD_ERROR" {
			return er, true
		}
	}
	return apiError{}, false
}

// call performs a request and decodes a 2xx body into out. For non-2xx it
// returns the parsed error body together with the classified error.
func (a *Adapter) call(ctx context.Context, method, path string, in, out any) (*errorBody, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", name, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("Square-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, provider.TransportError(name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.TransportError(name, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, provider.Malformed(name, fmt.Errorf("decode %s %s: %w", method, path, err))
			}
		}
		return nil, nil
	}

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	return &eb, provider.StatusError(name, resp.StatusCode, raw)
}

type paymentObject struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	AmountMoney money  `json:"amount_money"`
}

func (a *Adapter) CreatePayment(ctx context.Context, req provider.PaymentRequest) (*provider.PaymentResult, error) {
	payload := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"source_id":       req.PaymentMethodID,
		"amount_money":    money{Amount: req.Amount, Currency: strings.ToUpper(req.Currency)},
		"location_id":     a.cfg.LocationID,
		"autocomplete":    true,
	}
	if req.CustomerID != "" {
		payload["customer_id"] = req.CustomerID
	}
	if ref := req.Metadata[provider.MetadataPaymentID]; ref != "" {
		payload["reference_id"] = ref
	}
	if req.Description != "" {
		payload["note"] = req.Description
	}

	var out struct {
		Payment paymentObject `json:"payment"`
	}
	eb, err := a.call(ctx, http.MethodPost, "/v2/payments", payload, &out)
	if err != nil {
		if eb != nil {
			if d, ok := eb.decline(); ok {
				return provider.Declined(d.Code, d.Detail), nil
			}
		}
		return nil, err
	}
	return paymentResult(out.Payment), nil
}

func paymentResult(p paymentObject) *provider.PaymentResult {
	switch p.Status {
	case "COMPLETED":
		return &provider.PaymentResult{Success: true, PaymentID: p.ID, Settled: true}
	case "APPROVED", "PENDING":
		return &provider.PaymentResult{Success: true, PaymentID: p.ID}
	default:
		res := provider.Declined(p.Status, "payment "+strings.ToLower(p.Status))
		res.PaymentID = p.ID
		return res
	}
}

type subscriptionObject struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	StartDate          string `json:"start_date"`
	ChargedThroughDate string `json:"charged_through_date"`
	CanceledDate       string `json:"canceled_date"`
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

func (a *Adapter) CreateSubscription(ctx context.Context, req provider.SubscriptionRequest) (*provider.PaymentResult, error) {
	variation, err := a.cfg.Plans.Resolve(req.PlanID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"idempotency_key":   req.IdempotencyKey,
		"location_id":       a.cfg.LocationID,
		"plan_variation_id": variation,
		"customer_id":       req.CustomerID,
	}
	if req.PaymentMethodID != "" {
		payload["card_id"] = req.PaymentMethodID
	}

	var out struct {
		Subscription subscriptionObject `json:"subscription"`
	}
	eb, err := a.call(ctx, http.MethodPost, "/v2/subscriptions", payload, &out)
	if err != nil {
		if eb != nil {
			if d, ok := eb.decline(); ok {
				return provider.Declined(d.Code, d.Detail), nil
			}
		}
		return nil, err
	}

	sub := out.Subscription
	res := &provider.PaymentResult{
		Success:     true,
		PaymentID:   sub.ID,
		PeriodStart: parseDate(sub.StartDate),
		PeriodEnd:   parseDate(sub.ChargedThroughDate),
	}
	switch sub.Status {
	case "ACTIVE":
		res.SubscriptionStatus = provider.SubscriptionStatusActive
	case "PENDING":
		res.SubscriptionStatus = provider.SubscriptionStatusTrialing
	default:
		return provider.Declined(sub.Status, "subscription could not be started"), nil
	}
	return res, nil
}

// CancelSubscription schedules the cancellation for the end of the billed
// period. Square has no immediate cancellation.
func (a *Adapter) CancelSubscription(ctx context.Context, providerSubscriptionID string, immediately bool) (bool, error) {
	if immediately {
		return false, fmt.Errorf("%s: immediate cancellation: %w", name, provider.ErrUnsupported)
	}
	path := "/v2/subscriptions/" + url.PathEscape(providerSubscriptionID) + "/cancel"
	if _, err := a.call(ctx, http.MethodPost, path, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) UpdateSubscription(ctx context.Context, providerSubscriptionID, newPlanID string) (bool, error) {
	variation, err := a.cfg.Plans.Resolve(newPlanID)
	if err != nil {
		return false, err
	}
	path := "/v2/subscriptions/" + url.PathEscape(providerSubscriptionID) + "/swap-plan"
	if _, err := a.call(ctx, http.MethodPost, path, map[string]any{"new_plan_variation_id": variation}, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) RetrievePaymentMethods(ctx context.Context, customerID string) ([]provider.PaymentMethod, error) {
	var out struct {
		Cards []struct {
			ID        string `json:"id"`
			CardBrand string `json:"card_brand"`
			Last4     string `json:"last_4"`
			ExpMonth  int    `json:"exp_month"`
			ExpYear   int    `json:"exp_year"`
			Enabled   bool   `json:"enabled"`
		} `json:"cards"`
	}
	path := "/v2/cards?customer_id=" + url.QueryEscape(customerID)
	if _, err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	methods := make([]provider.PaymentMethod, 0, len(out.Cards))
	for _, c := range out.Cards {
		if !c.Enabled {
			continue
		}
		methods = append(methods, provider.PaymentMethod{
			ID: c.ID, Type: "card", Brand: strings.ToLower(c.CardBrand),
			Last4: c.Last4, ExpMonth: c.ExpMonth, ExpYear: c.ExpYear,
		})
	}
	return methods, nil
}

type refundObject struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PaymentID   string `json:"payment_id"`
	AmountMoney money  `json:"amount_money"`
}

func refundStatus(s string) string {
	switch s {
	case "COMPLETED":
		return provider.RefundStatusSucceeded
	case "PENDING":
		return provider.RefundStatusPending
	default:
		return provider.RefundStatusFailed
	}
}

func (a *Adapter) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	payload := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"payment_id":      req.ProviderPaymentID,
		"amount_money":    money{Amount: req.Amount, Currency: strings.ToUpper(req.Currency)},
	}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}

	var out struct {
		Refund refundObject `json:"refund"`
	}
	eb, err := a.call(ctx, http.MethodPost, "/v2/refunds", payload, &out)
	if err != nil {
		if eb != nil && len(eb.Errors) > 0 && errors.Is(err, provider.ErrRejected) {
			return &provider.RefundResult{Status: provider.RefundStatusFailed, ErrorCode: eb.Errors[0].Code, ErrorMessage: eb.Errors[0].Detail}, nil
		}
		return nil, err
	}

	status := refundStatus(out.Refund.Status)
	return &provider.RefundResult{
		Success:  status != provider.RefundStatusFailed,
		RefundID: out.Refund.ID,
		Status:   status,
	}, nil
}
