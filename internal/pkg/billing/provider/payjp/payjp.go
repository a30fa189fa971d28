// Package payjp adapts the PAY.JP API to the provider contract. PAY.JP only
// settles in JPY, whose minor unit is the yen itself.
package payjp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
)

const name = provider.NamePayJP

type Config struct {
	SecretKey    string
	WebhookToken string
	BaseURL      string
	Plans        provider.PlanTable
	Timeout      time.Duration
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

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

func (e *apiError) cardError() bool {
	return e != nil && e.Error.Type == "card_error"
}

func (a *Adapter) call(ctx context.Context, method, path, idempotencyKey string, form url.Values, out any) (*apiError, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	req.SetBasicAuth(a.cfg.SecretKey, "")
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
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
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, provider.Malformed(name, fmt.Errorf("decode %s %s: %w", method, path, err))
			}
		}
		return nil, nil
	}

	ae := &apiError{}
	_ = json.Unmarshal(raw, ae)
	return ae, provider.StatusError(name, resp.StatusCode, raw)
}

type charge struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount"`
	AmountRefunded     int64             `json:"amount_refunded"`
	Currency           string            `json:"currency"`
	Paid               bool              `json:"paid"`
	Captured           bool              `json:"captured"`
	Refunded           bool              `json:"refunded"`
	FailureCode        string            `json:"failure_code"`
	FailureMessage     string            `json:"failure_message"`
	Subscription       string            `json:"subscription"`
	ThreeDSecureStatus string            `json:"three_d_secure_status"`
	Metadata           map[string]string `json:"metadata"`
	Created            int64             `json:"created"`
}

func (a *Adapter) CreatePayment(ctx context.Context, req provider.PaymentRequest) (*provider.PaymentResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	if req.PaymentMethodID != "" {
		form.Set("card", req.PaymentMethodID)
	}
	if req.CustomerID != "" {
		form.Set("customer", req.CustomerID)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var ch charge
	ae, err := a.call(ctx, http.MethodPost, "/v1/charges", req.IdempotencyKey, form, &ch)
	if err != nil {
		if ae.cardError() {
			return provider.Declined(ae.Error.Code, ae.Error.Message), nil
		}
		return nil, err
	}
	return chargeResult(ch), nil
}

func chargeResult(ch charge) *provider.PaymentResult {
	switch {
	case ch.ThreeDSecureStatus == "unverified":
		return &provider.PaymentResult{Success: true, PaymentID: ch.ID, RequiresAction: true, ActionToken: ch.ID}
	case ch.Paid && ch.Captured:
		return &provider.PaymentResult{Success: true, PaymentID: ch.ID, Settled: true}
	case ch.Paid:
		return &provider.PaymentResult{Success: true, PaymentID: ch.ID}
	default:
		res := provider.Declined(ch.FailureCode, ch.FailureMessage)
		res.PaymentID = ch.ID
		return res
	}
}

type subscription struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
}

func unix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func (a *Adapter) CreateSubscription(ctx context.Context, req provider.SubscriptionRequest) (*provider.PaymentResult, error) {
	plan, err := a.cfg.Plans.Resolve(req.PlanID)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("customer", req.CustomerID)
	form.Set("plan", plan)
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var sub subscription
	ae, err := a.call(ctx, http.MethodPost, "/v1/subscriptions", req.IdempotencyKey, form, &sub)
	if err != nil {
		if ae.cardError() {
			return provider.Declined(ae.Error.Code, ae.Error.Message), nil
		}
		return nil, err
	}

	res := &provider.PaymentResult{
		Success:     true,
		PaymentID:   sub.ID,
		PeriodStart: unix(sub.CurrentPeriodStart),
		PeriodEnd:   unix(sub.CurrentPeriodEnd),
	}
	switch sub.Status {
	case "active":
		res.SubscriptionStatus = provider.SubscriptionStatusActive
		res.Settled = true
	case "trial":
		res.SubscriptionStatus = provider.SubscriptionStatusTrialing
	default:
		return provider.Declined(sub.Status, "subscription could not be started"), nil
	}
	return res, nil
}

// CancelSubscription uses /cancel, which keeps the subscription until the
// end of the period, or deletes it outright when immediately is set.
func (a *Adapter) CancelSubscription(ctx context.Context, providerSubscriptionID string, immediately bool) (bool, error) {
	path := "/v1/subscriptions/" + url.PathEscape(providerSubscriptionID)
	method := http.MethodDelete
	if !immediately {
		path += "/cancel"
		method = http.MethodPost
	}
	if _, err := a.call(ctx, method, path, "", nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) UpdateSubscription(ctx context.Context, providerSubscriptionID, newPlanID string) (bool, error) {
	plan, err := a.cfg.Plans.Resolve(newPlanID)
	if err != nil {
		return false, err
	}
	form := url.Values{}
	form.Set("plan", plan)
	form.Set("prorate", "true")
	if _, err := a.call(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), "", form, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) RetrievePaymentMethods(ctx context.Context, customerID string) ([]provider.PaymentMethod, error) {
	var out struct {
		Data []struct {
			ID       string `json:"id"`
			Brand    string `json:"brand"`
			Last4    string `json:"last4"`
			ExpMonth int    `json:"exp_month"`
			ExpYear  int    `json:"exp_year"`
		} `json:"data"`
	}
	if _, err := a.call(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(customerID)+"/cards?limit=100", "", nil, &out); err != nil {
		return nil, err
	}
	methods := make([]provider.PaymentMethod, 0, len(out.Data))
	for _, c := range out.Data {
		methods = append(methods, provider.PaymentMethod{
			ID: c.ID, Type: "card", Brand: strings.ToLower(c.Brand),
			Last4: c.Last4, ExpMonth: c.ExpMonth, ExpYear: c.ExpYear,
		})
	}
	return methods, nil
}

// RefundID derives a stable refund id from the charge and its cumulative
// refunded amount. PAY.JP refunds are not separate objects.
func RefundID(chargeID string, totalRefunded int64) string {
	return chargeID + ":" + strconv.FormatInt(totalRefunded, 10)
}

func (a *Adapter) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	if req.Reason != "" {
		form.Set("refund_reason", req.Reason)
	}

	var ch charge
	ae, err := a.call(ctx, http.MethodPost, "/v1/charges/"+url.PathEscape(req.ProviderPaymentID)+"/refund", req.IdempotencyKey, form, &ch)
	if err != nil {
		if ae != nil && ae.Error.Code != "" && errors.Is(err, provider.ErrRejected) {
			return &provider.RefundResult{Status: provider.RefundStatusFailed, ErrorCode: ae.Error.Code, ErrorMessage: ae.Error.Message}, nil
		}
		return nil, err
	}
	return &provider.RefundResult{
		Success:  true,
		RefundID: RefundID(ch.ID, ch.AmountRefunded),
		Status:   provider.RefundStatusSucceeded,
	}, nil
}
