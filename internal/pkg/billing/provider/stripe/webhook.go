package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/stripe/stripe-go/v82/webhook"
)

const signatureHeader = "Stripe-Signature"

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object             json.RawMessage            `json:"object"`
		PreviousAttributes map[string]json.RawMessage `json:"previous_attributes"`
	} `json:"data"`
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type refundObject struct {
	ID            string            `json:"id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID           string `json:"id"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	Subscription string `json:"subscription"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i invoiceObject) subscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// period prefers the first line item's period; on renewal invoices the
// invoice-level period describes the previous cycle.
func (i invoiceObject) period() (int64, int64) {
	if len(i.Lines.Data) > 0 && i.Lines.Data[0].Period.End > 0 {
		return i.Lines.Data[0].Period.Start, i.Lines.Data[0].Period.End
	}
	return i.PeriodStart, i.PeriodEnd
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// Verify checks the Stripe-Signature header and decodes the event.
func (a *Adapter) Verify(ctx context.Context, req provider.WebhookRequest) (event.Event, error) {
	sig := req.HeaderValue(signatureHeader)
	if sig == "" {
		return nil, &provider.SignatureError{Provider: name, Reason: "missing " + signatureHeader + " header"}
	}
	if err := webhook.ValidatePayload(req.Body, sig, a.webhookSecret); err != nil {
		return nil, &provider.SignatureError{Provider: name, Reason: "invalid signature", Err: err}
	}

	var env envelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, provider.Malformed(name, fmt.Errorf("decode event: %w", err))
	}
	if env.ID == "" || env.Type == "" {
		return nil, provider.Malformed(name, fmt.Errorf("event without id or type"))
	}
	return decode(env)
}

func decode(env envelope) (event.Event, error) {
	meta := event.Meta{Provider: name, ID: env.ID, Type: env.Type}
	if t := event.Unix(env.Created); t != nil {
		meta.OccurredAt = *t
	}

	switch env.Type {
	case "payment_intent.succeeded":
		var pi paymentIntentObject
		if err := unmarshal(env, &pi); err != nil {
			return nil, err
		}
		return event.ChargeSucceeded{Meta: meta, ChargeRef: chargeRef(pi.ID, pi.Metadata), Amount: pi.Amount, Currency: strings.ToUpper(pi.Currency)}, nil

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi paymentIntentObject
		if err := unmarshal(env, &pi); err != nil {
			return nil, err
		}
		ev := event.ChargeFailed{Meta: meta, ChargeRef: chargeRef(pi.ID, pi.Metadata), Reason: "payment canceled"}
		if pi.LastPaymentError != nil {
			ev.Code = pi.LastPaymentError.Code
			if pi.LastPaymentError.DeclineCode != "" {
				ev.Code = pi.LastPaymentError.DeclineCode
			}
			ev.Reason = pi.LastPaymentError.Message
		}
		return ev, nil

	case "refund.created", "refund.updated":
		var r refundObject
		if err := unmarshal(env, &r); err != nil {
			return nil, err
		}
		res := refundResult(r.ID, r.Status)
		return event.ChargeRefunded{
			Meta:             meta,
			ChargeRef:        chargeRef(r.PaymentIntent, r.Metadata),
			ProviderRefundID: r.ID,
			Amount:           r.Amount,
			Currency:         strings.ToUpper(r.Currency),
			Status:           res.Status,
		}, nil

	case "invoice.paid":
		var inv invoiceObject
		if err := unmarshal(env, &inv); err != nil {
			return nil, err
		}
		start, end := inv.period()
		return event.InvoicePaid{
			Meta:                   meta,
			ProviderSubscriptionID: inv.subscriptionID(),
			ProviderInvoiceID:      inv.ID,
			Amount:                 inv.AmountPaid,
			Currency:               strings.ToUpper(inv.Currency),
			PeriodStart:            event.Unix(start),
			PeriodEnd:              event.Unix(end),
		}, nil

	case "invoice.payment_failed":
		var inv invoiceObject
		if err := unmarshal(env, &inv); err != nil {
			return nil, err
		}
		return event.InvoicePaymentFailed{
			Meta:                   meta,
			ProviderSubscriptionID: inv.subscriptionID(),
			ProviderInvoiceID:      inv.ID,
			Amount:                 inv.AmountDue,
			Currency:               strings.ToUpper(inv.Currency),
			Reason:                 "invoice payment failed",
		}, nil

	case "customer.subscription.updated":
		var sub subscriptionObject
		if err := unmarshal(env, &sub); err != nil {
			return nil, err
		}
		if sub.Status == "unpaid" {
			return event.SubscriptionRetriesExhausted{Meta: meta, ProviderSubscriptionID: sub.ID}, nil
		}
		if _, changed := env.Data.PreviousAttributes["cancel_at_period_end"]; changed {
			return event.SubscriptionCancelScheduled{Meta: meta, ProviderSubscriptionID: sub.ID, Scheduled: sub.CancelAtPeriodEnd}, nil
		}
		return event.Unhandled{Meta: meta}, nil

	case "customer.subscription.deleted":
		var sub subscriptionObject
		if err := unmarshal(env, &sub); err != nil {
			return nil, err
		}
		return event.SubscriptionCanceled{Meta: meta, ProviderSubscriptionID: sub.ID}, nil
	}

	return event.Unhandled{Meta: meta}, nil
}

func chargeRef(providerPaymentID string, metadata map[string]string) event.ChargeRef {
	return event.ChargeRef{ProviderPaymentID: providerPaymentID, ReferenceID: metadata[provider.MetadataPaymentID]}
}

func unmarshal(env envelope, dst any) error {
	if len(env.Data.Object) == 0 {
		return provider.Malformed(name, fmt.Errorf("event %s has no data object", env.ID))
	}
	if err := json.Unmarshal(env.Data.Object, dst); err != nil {
		return provider.Malformed(name, fmt.Errorf("decode %s object: %w", env.Type, err))
	}
	return nil
}
