package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
)

const signatureHeader = "x-square-hmacsha256-signature"

type envelope struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		Type   string                     `json:"type"`
		ID     string                     `json:"id"`
		Object map[string]json.RawMessage `json:"object"`
	} `json:"data"`
}

type invoiceObject struct {
	ID              string `json:"id"`
	SubscriptionID  string `json:"subscription_id"`
	PaymentRequests []struct {
		ComputedAmountMoney       money  `json:"computed_amount_money"`
		TotalCompletedAmountMoney *money `json:"total_completed_amount_money"`
		DueDate                   string `json:"due_date"`
	} `json:"payment_requests"`
}

func (i invoiceObject) amount() money {
	if len(i.PaymentRequests) == 0 {
		return money{}
	}
	pr := i.PaymentRequests[0]
	if pr.TotalCompletedAmountMoney != nil && pr.TotalCompletedAmountMoney.Amount > 0 {
		return *pr.TotalCompletedAmountMoney
	}
	return pr.ComputedAmountMoney
}

// Sign computes the signature Square sends for a delivery to notificationURL.
func Sign(signatureKey, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signatureKey))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks the HMAC over notification URL and body, then decodes the
// event.
func (a *Adapter) Verify(ctx context.Context, req provider.WebhookRequest) (event.Event, error) {
	sig := req.HeaderValue(signatureHeader)
	if sig == "" {
		return nil, &provider.SignatureError{Provider: name, Reason: "missing " + signatureHeader + " header"}
	}
	notificationURL := a.cfg.NotificationURL
	if notificationURL == "" {
		notificationURL = req.URL
	}
	expected := Sign(a.cfg.WebhookSignatureKey, notificationURL, req.Body)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, &provider.SignatureError{Provider: name, Reason: "signature mismatch"}
	}

	var env envelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, provider.Malformed(name, fmt.Errorf("decode event: %w", err))
	}
	if env.EventID == "" || env.Type == "" {
		return nil, provider.Malformed(name, fmt.Errorf("event without event_id or type"))
	}
	return decode(env)
}

func decode(env envelope) (event.Event, error) {
	meta := event.Meta{Provider: name, ID: env.EventID, Type: env.Type}
	if t, err := time.Parse(time.RFC3339, env.CreatedAt); err == nil {
		meta.OccurredAt = t.UTC()
	}

	switch env.Type {
	case "payment.updated", "payment.created":
		var p paymentObject
		if err := object(env, "payment", &p); err != nil {
			return nil, err
		}
		ref := event.ChargeRef{ProviderPaymentID: p.ID, ReferenceID: p.ReferenceID}
		switch p.Status {
		case "COMPLETED":
			return event.ChargeSucceeded{Meta: meta, ChargeRef: ref, Amount: p.AmountMoney.Amount, Currency: p.AmountMoney.Currency}, nil
		case "FAILED", "CANCELED":
			return event.ChargeFailed{Meta: meta, ChargeRef: ref, Code: p.Status, Reason: "payment " + p.Status}, nil
		}

	case "refund.updated", "refund.created":
		var r refundObject
		if err := object(env, "refund", &r); err != nil {
			return nil, err
		}
		return event.ChargeRefunded{
			Meta:             meta,
			ChargeRef:        event.ChargeRef{ProviderPaymentID: r.PaymentID},
			ProviderRefundID: r.ID,
			Amount:           r.AmountMoney.Amount,
			Currency:         r.AmountMoney.Currency,
			Status:           refundStatus(r.Status),
		}, nil

	case "invoice.payment_made":
		var inv invoiceObject
		if err := object(env, "invoice", &inv); err != nil {
			return nil, err
		}
		amt := inv.amount()
		return event.InvoicePaid{
			Meta:                   meta,
			ProviderSubscriptionID: inv.SubscriptionID,
			ProviderInvoiceID:      inv.ID,
			Amount:                 amt.Amount,
			Currency:               amt.Currency,
		}, nil

	case "invoice.scheduled_charge_failed":
		var inv invoiceObject
		if err := object(env, "invoice", &inv); err != nil {
			return nil, err
		}
		amt := inv.amount()
		return event.InvoicePaymentFailed{
			Meta:                   meta,
			ProviderSubscriptionID: inv.SubscriptionID,
			ProviderInvoiceID:      inv.ID,
			Amount:                 amt.Amount,
			Currency:               amt.Currency,
			Reason:                 "scheduled charge failed",
		}, nil

	case "subscription.updated":
		var sub subscriptionObject
		if err := object(env, "subscription", &sub); err != nil {
			return nil, err
		}
		switch {
		case sub.Status == "CANCELED":
			return event.SubscriptionCanceled{Meta: meta, ProviderSubscriptionID: sub.ID}, nil
		case sub.Status == "DEACTIVATED":
			return event.SubscriptionRetriesExhausted{Meta: meta, ProviderSubscriptionID: sub.ID}, nil
		case sub.Status == "ACTIVE" && sub.CanceledDate != "":
			return event.SubscriptionCancelScheduled{Meta: meta, ProviderSubscriptionID: sub.ID, Scheduled: true}, nil
		}
	}

	return event.Unhandled{Meta: meta}, nil
}

func object(env envelope, key string, dst any) error {
	raw, ok := env.Data.Object[key]
	if !ok || len(raw) == 0 {
		return provider.Malformed(name, fmt.Errorf("event %s has no %s object", env.EventID, key))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return provider.Malformed(name, fmt.Errorf("decode %s object: %w", env.Type, err))
	}
	return nil
}
