// Package event defines the provider-neutral billing events decoded from
// webhook deliveries. The set of variants is closed.
package event

import "time"

// Meta is carried by every event.
type Meta struct {
	Provider   string
	ID         string
	Type       string
	OccurredAt time.Time
}

// Event is implemented only by the variants in this package.
type Event interface {
	EventMeta() Meta
	isEvent()
}

// ChargeRef identifies a one-off payment. ReferenceID is the local payment
// id echoed back by the provider; ProviderPaymentID is the network's id.
type ChargeRef struct {
	ProviderPaymentID string
	ReferenceID       string
}

type ChargeSucceeded struct {
	Meta
	ChargeRef
	Amount   int64
	Currency string
}

type ChargeFailed struct {
	Meta
	ChargeRef
	Code   string
	Reason string
}

// ChargeApproved means the payer approved the payment and it still has to
// be captured server-side.
type ChargeApproved struct {
	Meta
	ChargeRef
}

// ChargeRefunded reports a refund. Some networks only report the cumulative
// refunded total; then Amount is zero and TotalRefunded is set.
type ChargeRefunded struct {
	Meta
	ChargeRef
	ProviderRefundID string
	Amount           int64
	TotalRefunded    int64
	Currency         string
	Status           string
}

type InvoicePaid struct {
	Meta
	ProviderSubscriptionID string
	ProviderInvoiceID      string
	Amount                 int64
	Currency               string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
}

type InvoicePaymentFailed struct {
	Meta
	ProviderSubscriptionID string
	ProviderInvoiceID      string
	Amount                 int64
	Currency               string
	Reason                 string
}

// SubscriptionRetriesExhausted is emitted when the network stops retrying a
// failed renewal.
type SubscriptionRetriesExhausted struct {
	Meta
	ProviderSubscriptionID string
}

// SubscriptionCancelScheduled toggles cancel-at-period-end.
type SubscriptionCancelScheduled struct {
	Meta
	ProviderSubscriptionID string
	Scheduled              bool
}

type SubscriptionCanceled struct {
	Meta
	ProviderSubscriptionID string
}

// Unhandled is any event type the system does not act on.
type Unhandled struct {
	Meta
}

func (m Meta) EventMeta() Meta { return m }

func (ChargeSucceeded) isEvent()              {}
func (ChargeFailed) isEvent()                 {}
func (ChargeApproved) isEvent()               {}
func (ChargeRefunded) isEvent()               {}
func (InvoicePaid) isEvent()                  {}
func (InvoicePaymentFailed) isEvent()         {}
func (SubscriptionRetriesExhausted) isEvent() {}
func (SubscriptionCancelScheduled) isEvent()  {}
func (SubscriptionCanceled) isEvent()         {}
func (Unhandled) isEvent()                    {}

// Unix converts a unix timestamp to a UTC time, nil for zero.
func Unix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
