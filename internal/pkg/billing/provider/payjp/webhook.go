package payjp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
)

const tokenHeader = "X-Payjp-Webhook-Token"

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// Verify compares the shared webhook token PAY.JP sends with every delivery.
func (a *Adapter) Verify(ctx context.Context, req provider.WebhookRequest) (event.Event, error) {
	token := req.HeaderValue(tokenHeader)
	if token == "" {
		return nil, &provider.SignatureError{Provider: name, Reason: "missing " + tokenHeader + " header"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.WebhookToken)) != 1 {
		return nil, &provider.SignatureError{Provider: name, Reason: "token mismatch"}
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
	if t := unix(env.Created); t != nil {
		meta.OccurredAt = *t
	}

	switch env.Type {
	case "charge.succeeded":
		var ch charge
		if err := data(env, &ch); err != nil {
			return nil, err
		}
		// Renewal charges carry their subscription and pay the period.
		if ch.Subscription != "" {
			return event.InvoicePaid{
				Meta:                   meta,
				ProviderSubscriptionID: ch.Subscription,
				ProviderInvoiceID:      ch.ID,
				Amount:                 ch.Amount,
				Currency:               strings.ToUpper(ch.Currency),
			}, nil
		}
		return event.ChargeSucceeded{Meta: meta, ChargeRef: ch.ref(), Amount: ch.Amount, Currency: strings.ToUpper(ch.Currency)}, nil

	case "charge.failed":
		var ch charge
		if err := data(env, &ch); err != nil {
			return nil, err
		}
		if ch.Subscription != "" {
			return event.InvoicePaymentFailed{
				Meta:                   meta,
				ProviderSubscriptionID: ch.Subscription,
				ProviderInvoiceID:      ch.ID,
				Amount:                 ch.Amount,
				Currency:               strings.ToUpper(ch.Currency),
				Reason:                 ch.FailureMessage,
			}, nil
		}
		return event.ChargeFailed{Meta: meta, ChargeRef: ch.ref(), Code: ch.FailureCode, Reason: ch.FailureMessage}, nil

	case "charge.refunded":
		var ch charge
		if err := data(env, &ch); err != nil {
			return nil, err
		}
		return event.ChargeRefunded{
			Meta:             meta,
			ChargeRef:        ch.ref(),
			ProviderRefundID: RefundID(ch.ID, ch.AmountRefunded),
			TotalRefunded:    ch.AmountRefunded,
			Currency:         strings.ToUpper(ch.Currency),
			Status:           provider.RefundStatusSucceeded,
		}, nil

	case "subscription.canceled":
		var sub subscription
		if err := data(env, &sub); err != nil {
			return nil, err
		}
		return event.SubscriptionCancelScheduled{Meta: meta, ProviderSubscriptionID: sub.ID, Scheduled: true}, nil

	case "subscription.deleted":
		var sub subscription
		if err := data(env, &sub); err != nil {
			return nil, err
		}
		return event.SubscriptionCanceled{Meta: meta, ProviderSubscriptionID: sub.ID}, nil

	case "subscription.paused":
		var sub subscription
		if err := data(env, &sub); err != nil {
			return nil, err
		}
		return event.SubscriptionRetriesExhausted{Meta: meta, ProviderSubscriptionID: sub.ID}, nil
	}

	return event.Unhandled{Meta: meta}, nil
}

func (ch charge) ref() event.ChargeRef {
	return event.ChargeRef{ProviderPaymentID: ch.ID, ReferenceID: ch.Metadata[provider.MetadataPaymentID]}
}

func data(env envelope, dst any) error {
	if len(env.Data) == 0 {
		return provider.Malformed(name, fmt.Errorf("event %s has no data", env.ID))
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return provider.Malformed(name, fmt.Errorf("decode %s data: %w", env.Type, err))
	}
	return nil
}
