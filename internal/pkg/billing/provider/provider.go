package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
)

// Provider names. PriorityOrder decides the default provider for tenants
// without an explicit choice.
const (
	NameStripe = "stripe"
	NameSquare = "square"
	NamePayPal = "paypal"
	NamePayJP  = "payjp"
)

var PriorityOrder = []string{NameStripe, NameSquare, NamePayPal, NamePayJP}

// Metadata key carrying the local payment id to the provider so webhook
// events can be matched back to the local row.
const MetadataPaymentID = "payment_id"

// Provider-neutral subscription states reported on creation.
const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
)

// PaymentRequest describes a one-off charge. Amount is always in minor units.
type PaymentRequest struct {
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	IdempotencyKey  string
	Metadata        map[string]string
}

// SubscriptionRequest starts a recurring plan for a customer. PlanID is the
// internal plan type; each adapter maps it to its own plan/price id.
type SubscriptionRequest struct {
	PlanID          string
	CustomerID      string
	PaymentMethodID string
	IdempotencyKey  string
	Metadata        map[string]string
}

// PaymentResult is the structured outcome of a charge or subscription call.
// Declines are reported here with Success=false, not as errors.
type PaymentResult struct {
	Success        bool
	PaymentID      string
	RequiresAction bool
	ActionToken    string
	ErrorCode      string
	ErrorMessage   string

	// Settled is true when the provider reports the money as captured.
	Settled bool

	SubscriptionStatus string
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
}

// Declined builds a failed result.
func Declined(code, message string) *PaymentResult {
	return &PaymentResult{Success: false, ErrorCode: code, ErrorMessage: message}
}

type RefundRequest struct {
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Reason            string
	IdempotencyKey    string

	// ReferenceID is the local payment id, echoed back on refund events
	// where the network supports it.
	ReferenceID string
}

// Refund states reported by adapters.
const (
	RefundStatusSucceeded = "succeeded"
	RefundStatusPending   = "pending"
	RefundStatusFailed    = "failed"
)

type RefundResult struct {
	Success      bool
	RefundID     string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

// WebhookRequest is the raw delivery as received by the HTTP endpoint.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
	// URL is the public URL the provider posted to; some networks sign it.
	URL string
}

// HeaderValue returns a trimmed header value, case-insensitively.
func (r WebhookRequest) HeaderValue(key string) string {
	if r.Header == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(key))
}

// Adapter wraps one external payment network behind the uniform contract.
type Adapter interface {
	Name() string
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*PaymentResult, error)
	// CancelSubscription cancels at period end unless immediately is set.
	CancelSubscription(ctx context.Context, providerSubscriptionID string, immediately bool) (bool, error)
	UpdateSubscription(ctx context.Context, providerSubscriptionID, newPlanID string) (bool, error)
	RetrievePaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// Verify checks the delivery signature and decodes it. Signature failures
	// are returned as *SignatureError.
	Verify(ctx context.Context, req WebhookRequest) (event.Event, error)
}

// Capturer is implemented by networks where an approved payment has to be
// captured server-side before money moves.
type Capturer interface {
	CapturePayment(ctx context.Context, providerPaymentID string) (*PaymentResult, error)
}
