// Package paypal adapts the PayPal REST API (orders, subscriptions and
// captures) to the provider contract.
package paypal

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
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const name = provider.NamePayPal

type Config struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	BaseURL      string
	Plans        provider.PlanTable
	Timeout      time.Duration
	// TokenEarlyExpiry refreshes the access token this long before PayPal
	// would expire it.
	TokenEarlyExpiry time.Duration
}

type Adapter struct {
	cfg    Config
	client *http.Client
	tokens oauth2.TokenSource
}

// tokenFetcher always asks the token endpoint; caching is left to the
// reuse source wrapping it.
type tokenFetcher struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (f tokenFetcher) Token() (*oauth2.Token, error) {
	return f.cfg.Token(f.ctx)
}

func New(cfg Config) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := &http.Client{Timeout: cfg.Timeout}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client)

	return &Adapter{
		cfg:    cfg,
		client: client,
		tokens: oauth2.ReuseTokenSourceWithExpiry(nil, tokenFetcher{cfg: cc, ctx: tokenCtx}, cfg.TokenEarlyExpiry),
	}
}

func (a *Adapter) Name() string { return name }

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func findLink(links []link, rels ...string) string {
	for _, rel := range rels {
		for _, l := range links {
			if l.Rel == rel {
				return l.Href
			}
		}
	}
	return ""
}

type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *errorBody) issue() (string, string) {
	if e == nil {
		return "", ""
	}
	if len(e.Details) > 0 {
		return e.Details[0].Issue, e.Details[0].Description
	}
	return e.Name, e.Message
}

// declineIssues are the 422 issues that mean the payer's instrument was
// refused rather than our request being wrong.
var declineIssues = map[string]bool{
	"INSTRUMENT_DECLINED":       true,
	"TRANSACTION_REFUSED":       true,
	"PAYER_CANNOT_PAY":          true,
	"CARD_EXPIRED":              true,
	"PAYEE_BLOCKED_TRANSACTION": true,
	"COMPLIANCE_VIOLATION":      true,
}

func (e *errorBody) decline() (string, string, bool) {
	code, msg := e.issue()
	return code, msg, declineIssues[code]
}

func (a *Adapter) accessToken() (string, error) {
	tok, err := a.tokens.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", provider.StatusError(name, re.Response.StatusCode, re.Body)
		}
		return "", provider.TransportError(name, err)
	}
	return tok.AccessToken, nil
}

// call sends an authenticated JSON request. requestID sets PayPal-Request-Id,
// PayPal's idempotency header.
func (a *Adapter) call(ctx context.Context, method, path, requestID string, in, out any) (*errorBody, error) {
	token, err := a.accessToken()
	if err != nil {
		return nil, err
	}

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
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
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

	eb := &errorBody{}
	_ = json.Unmarshal(raw, eb)
	return eb, provider.StatusError(name, resp.StatusCode, raw)
}

type capture struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   amount `json:"amount"`
	CustomID string `json:"custom_id"`
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o order) firstCapture() (capture, bool) {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return capture{}, false
}

// CreatePayment creates a CAPTURE order. With a vaulted payment method the
// order can complete immediately; otherwise the payer has to approve it
// and the approval link is returned as the action token.
func (a *Adapter) CreatePayment(ctx context.Context, req provider.PaymentRequest) (*provider.PaymentResult, error) {
	unit := map[string]any{"amount": newAmount(req.Amount, req.Currency)}
	if ref := req.Metadata[provider.MetadataPaymentID]; ref != "" {
		unit["custom_id"] = ref
		unit["reference_id"] = ref
	}
	if req.Description != "" {
		unit["description"] = req.Description
	}
	payload := map[string]any{
		"intent":         "CAPTURE",
		"purchase_units": []any{unit},
	}
	if req.PaymentMethodID != "" {
		payload["payment_source"] = map[string]any{
			"paypal": map[string]any{"vault_id": req.PaymentMethodID},
		}
	}

	var out order
	eb, err := a.call(ctx, http.MethodPost, "/v2/checkout/orders", req.IdempotencyKey, payload, &out)
	if err != nil {
		if code, msg, ok := eb.decline(); ok {
			return provider.Declined(code, msg), nil
		}
		return nil, err
	}
	return orderResult(out), nil
}

func orderResult(o order) *provider.PaymentResult {
	res := &provider.PaymentResult{PaymentID: o.ID}
	switch o.Status {
	case "COMPLETED":
		c, ok := o.firstCapture()
		switch {
		case !ok || c.Status == "COMPLETED":
			res.Success = true
			res.Settled = true
		case c.Status == "PENDING":
			res.Success = true
		default:
			res.ErrorCode = c.Status
			res.ErrorMessage = "capture " + strings.ToLower(c.Status)
		}
	case "APPROVED", "SAVED":
		res.Success = true
	case "CREATED", "PAYER_ACTION_REQUIRED":
		res.Success = true
		res.RequiresAction = true
		res.ActionToken = findLink(o.Links, "payer-action", "approve")
	default:
		res.ErrorCode = o.Status
		res.ErrorMessage = "order " + strings.ToLower(o.Status)
	}
	return res
}

// CapturePayment captures an approved order.
func (a *Adapter) CapturePayment(ctx context.Context, providerPaymentID string) (*provider.PaymentResult, error) {
	path := "/v2/checkout/orders/" + url.PathEscape(providerPaymentID) + "/capture"
	var out order
	eb, err := a.call(ctx, http.MethodPost, path, "capture-"+providerPaymentID, map[string]any{}, &out)
	if err != nil {
		if code, msg, ok := eb.decline(); ok {
			res := provider.Declined(code, msg)
			res.PaymentID = providerPaymentID
			return res, nil
		}
		return nil, err
	}
	return orderResult(out), nil
}

type subscription struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	StartTime   string `json:"start_time"`
	Links       []link `json:"links"`
	BillingInfo *struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     *struct {
			Time string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func (a *Adapter) CreateSubscription(ctx context.Context, req provider.SubscriptionRequest) (*provider.PaymentResult, error) {
	planID, err := a.cfg.Plans.Resolve(req.PlanID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"plan_id": planID}
	if ref := req.Metadata[provider.MetadataPaymentID]; ref != "" {
		payload["custom_id"] = ref
	}
	if req.PaymentMethodID != "" {
		payload["subscriber"] = map[string]any{
			"payment_source": map[string]any{"paypal": map[string]any{"vault_id": req.PaymentMethodID}},
		}
	}

	var out subscription
	eb, err := a.call(ctx, http.MethodPost, "/v1/billing/subscriptions", req.IdempotencyKey, payload, &out)
	if err != nil {
		if code, msg, ok := eb.decline(); ok {
			return provider.Declined(code, msg), nil
		}
		return nil, err
	}

	res := &provider.PaymentResult{Success: true, PaymentID: out.ID, PeriodStart: parseTime(out.StartTime)}
	if out.BillingInfo != nil {
		res.PeriodEnd = parseTime(out.BillingInfo.NextBillingTime)
	}
	switch out.Status {
	case "ACTIVE":
		res.SubscriptionStatus = provider.SubscriptionStatusActive
	case "APPROVAL_PENDING", "APPROVED":
		res.SubscriptionStatus = provider.SubscriptionStatusTrialing
		res.RequiresAction = out.Status == "APPROVAL_PENDING"
		res.ActionToken = findLink(out.Links, "approve")
	default:
		return provider.Declined(out.Status, "subscription could not be started"), nil
	}
	return res, nil
}

// CancelSubscription cancels now when immediately is set. Otherwise billing
// is suspended and the subscription is finalized at period end.
func (a *Adapter) CancelSubscription(ctx context.Context, providerSubscriptionID string, immediately bool) (bool, error) {
	action, reason := "suspend", "Cancellation requested at period end"
	if immediately {
		action, reason = "cancel", "Cancellation requested"
	}
	path := "/v1/billing/subscriptions/" + url.PathEscape(providerSubscriptionID) + "/" + action
	if _, err := a.call(ctx, http.MethodPost, path, "", map[string]any{"reason": reason}, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) UpdateSubscription(ctx context.Context, providerSubscriptionID, newPlanID string) (bool, error) {
	planID, err := a.cfg.Plans.Resolve(newPlanID)
	if err != nil {
		return false, err
	}
	path := "/v1/billing/subscriptions/" + url.PathEscape(providerSubscriptionID) + "/revise"
	if _, err := a.call(ctx, http.MethodPost, path, "", map[string]any{"plan_id": planID}, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RetrievePaymentMethods is not offered by PayPal; wallets are chosen by
// the payer at approval time.
func (a *Adapter) RetrievePaymentMethods(context.Context, string) ([]provider.PaymentMethod, error) {
	return []provider.PaymentMethod{}, nil
}

// RefundPayment refunds the capture belonging to the order.
func (a *Adapter) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	var o order
	if _, err := a.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(req.ProviderPaymentID), "", nil, &o); err != nil {
		return nil, err
	}
	c, ok := o.firstCapture()
	if !ok {
		return &provider.RefundResult{Status: provider.RefundStatusFailed, ErrorCode: "NOT_CAPTURED", ErrorMessage: "order has no capture"}, nil
	}

	payload := map[string]any{"amount": newAmount(req.Amount, req.Currency)}
	if req.ReferenceID != "" {
		payload["custom_id"] = req.ReferenceID
	}
	if req.Reason != "" {
		payload["note_to_payer"] = req.Reason
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	eb, err := a.call(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(c.ID)+"/refund", req.IdempotencyKey, payload, &out)
	if err != nil {
		if errors.Is(err, provider.ErrRejected) {
			code, msg := eb.issue()
			return &provider.RefundResult{Status: provider.RefundStatusFailed, ErrorCode: code, ErrorMessage: msg}, nil
		}
		return nil, err
	}

	status := refundStatus(out.Status)
	return &provider.RefundResult{Success: status != provider.RefundStatusFailed, RefundID: out.ID, Status: status}, nil
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
