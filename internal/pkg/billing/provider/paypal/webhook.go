package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
)

// Transmission headers PayPal attaches to every delivery.
const (
	headerAuthAlgo         = "PAYPAL-AUTH-ALGO"
	headerCertURL          = "PAYPAL-CERT-URL"
	headerTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	headerTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
	headerTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
)

type envelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	CreateTime   string          `json:"create_time"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Amount            amount `json:"amount"`
	CustomID          string `json:"custom_id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

type refundResource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   amount `json:"amount"`
	CustomID string `json:"custom_id"`
	Links    []link `json:"links"`
}

type saleResource struct {
	ID     string `json:"id"`
	Amount struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
	BillingAgreementID string `json:"billing_agreement_id"`
}

// Verify asks PayPal's verify-webhook-signature endpoint to confirm the
// transmission. A FAILURE verdict is a signature error; failing to reach
// the endpoint is reported as unavailable so the delivery is retried.
func (a *Adapter) Verify(ctx context.Context, req provider.WebhookRequest) (event.Event, error) {
	headers := map[string]string{}
	for _, h := range []string{headerAuthAlgo, headerCertURL, headerTransmissionID, headerTransmissionSig, headerTransmissionTime} {
		v := req.HeaderValue(h)
		if v == "" {
			return nil, &provider.SignatureError{Provider: name, Reason: "missing " + h + " header"}
		}
		headers[h] = v
	}
	if !json.Valid(req.Body) {
		return nil, provider.Malformed(name, fmt.Errorf("event body is not JSON"))
	}

	payload := map[string]any{
		"auth_algo":         headers[headerAuthAlgo],
		"cert_url":          headers[headerCertURL],
		"transmission_id":   headers[headerTransmissionID],
		"transmission_sig":  headers[headerTransmissionSig],
		"transmission_time": headers[headerTransmissionTime],
		"webhook_id":        a.cfg.WebhookID,
		"webhook_event":     json.RawMessage(req.Body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := a.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", payload, &out); err != nil {
		return nil, err
	}
	if out.VerificationStatus != "SUCCESS" {
		return nil, &provider.SignatureError{Provider: name, Reason: "verification status " + out.VerificationStatus}
	}

	var env envelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, provider.Malformed(name, fmt.Errorf("decode event: %w", err))
	}
	if env.ID == "" || env.EventType == "" {
		return nil, provider.Malformed(name, fmt.Errorf("event without id or event_type"))
	}
	return decode(env)
}

func decode(env envelope) (event.Event, error) {
	meta := event.Meta{Provider: name, ID: env.ID, Type: env.EventType}
	if t := parseTime(env.CreateTime); t != nil {
		meta.OccurredAt = *t
	}

	switch env.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		var o order
		if err := resource(env, &o); err != nil {
			return nil, err
		}
		ref := event.ChargeRef{ProviderPaymentID: o.ID}
		if len(o.PurchaseUnits) > 0 {
			ref.ReferenceID = o.PurchaseUnits[0].CustomID
		}
		return event.ChargeApproved{Meta: meta, ChargeRef: ref}, nil

	case "PAYMENT.CAPTURE.COMPLETED":
		var c captureResource
		if err := resource(env, &c); err != nil {
			return nil, err
		}
		minor, err := toMinor(c.Amount.Value, c.Amount.CurrencyCode)
		if err != nil {
			return nil, provider.Malformed(name, err)
		}
		return event.ChargeSucceeded{Meta: meta, ChargeRef: c.ref(), Amount: minor, Currency: strings.ToUpper(c.Amount.CurrencyCode)}, nil

	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		var c captureResource
		if err := resource(env, &c); err != nil {
			return nil, err
		}
		reason := "capture denied"
		if c.StatusDetails != nil && c.StatusDetails.Reason != "" {
			reason = c.StatusDetails.Reason
		}
		return event.ChargeFailed{Meta: meta, ChargeRef: c.ref(), Code: c.Status, Reason: reason}, nil

	case "PAYMENT.CAPTURE.REFUNDED":
		var r refundResource
		if err := resource(env, &r); err != nil {
			return nil, err
		}
		minor, err := toMinor(r.Amount.Value, r.Amount.CurrencyCode)
		if err != nil {
			return nil, provider.Malformed(name, err)
		}
		return event.ChargeRefunded{
			Meta:             meta,
			ChargeRef:        event.ChargeRef{ReferenceID: r.CustomID},
			ProviderRefundID: r.ID,
			Amount:           minor,
			Currency:         strings.ToUpper(r.Amount.CurrencyCode),
			Status:           refundStatus(r.Status),
		}, nil

	case "PAYMENT.SALE.COMPLETED":
		var s saleResource
		if err := resource(env, &s); err != nil {
			return nil, err
		}
		if s.BillingAgreementID == "" {
			break
		}
		minor, err := toMinor(s.Amount.Total, s.Amount.Currency)
		if err != nil {
			return nil, provider.Malformed(name, err)
		}
		return event.InvoicePaid{
			Meta:                   meta,
			ProviderSubscriptionID: s.BillingAgreementID,
			ProviderInvoiceID:      s.ID,
			Amount:                 minor,
			Currency:               strings.ToUpper(s.Amount.Currency),
		}, nil

	case "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		var sub subscription
		if err := resource(env, &sub); err != nil {
			return nil, err
		}
		// PayPal has no invoice object for failed renewals; the event id
		// stands in for it.
		return event.InvoicePaymentFailed{
			Meta:                   meta,
			ProviderSubscriptionID: sub.ID,
			ProviderInvoiceID:      env.ID,
			Reason:                 "renewal payment failed",
		}, nil

	case "BILLING.SUBSCRIPTION.SUSPENDED":
		var sub subscription
		if err := resource(env, &sub); err != nil {
			return nil, err
		}
		return event.SubscriptionRetriesExhausted{Meta: meta, ProviderSubscriptionID: sub.ID}, nil

	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
		var sub subscription
		if err := resource(env, &sub); err != nil {
			return nil, err
		}
		return event.SubscriptionCanceled{Meta: meta, ProviderSubscriptionID: sub.ID}, nil
	}

	return event.Unhandled{Meta: meta}, nil
}

func (c captureResource) ref() event.ChargeRef {
	return event.ChargeRef{ProviderPaymentID: c.SupplementaryData.RelatedIDs.OrderID, ReferenceID: c.CustomID}
}

func resource(env envelope, dst any) error {
	if len(env.Resource) == 0 {
		return provider.Malformed(name, fmt.Errorf("event %s has no resource", env.ID))
	}
	if err := json.Unmarshal(env.Resource, dst); err != nil {
		return provider.Malformed(name, fmt.Errorf("decode %s resource: %w", env.EventType, err))
	}
	return nil
}
