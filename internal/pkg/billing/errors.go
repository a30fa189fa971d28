package billing

import (
	"errors"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("billing configuration error")
	// ErrDeclined is returned by operations without a structured result
	// (refunds) when the provider refused them.
	ErrDeclined = errors.New("declined by payment provider")
	// ErrSubscriptionExists is returned when the tenant already holds a
	// trialing, active or past_due subscription.
	ErrSubscriptionExists = errors.New("tenant already has an active subscription")
	// ErrTargetPending is returned for a webhook event whose payment or
	// subscription is not recorded locally yet. The provider delivers again.
	ErrTargetPending = errors.New("webhook target not recorded yet")
)

// Category is the coarse error class controllers map to a response.
type Category int

const (
	CategoryInternal Category = iota
	CategoryValidation
	CategoryNotFound
	CategoryConflict
	CategoryDeclined
	CategoryUnavailable
	CategoryConfiguration
	CategorySignature
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryNotFound:
		return "not_found"
	case CategoryConflict:
		return "conflict"
	case CategoryDeclined:
		return "declined"
	case CategoryUnavailable:
		return "provider_unavailable"
	case CategoryConfiguration:
		return "system_not_ready"
	case CategorySignature:
		return "invalid_signature"
	default:
		return "internal_error"
	}
}

// Classify maps any error produced by this package or the providers to its
// category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryInternal
	case provider.IsSignatureError(err):
		return CategorySignature
	case errors.Is(err, ErrValidation), errors.Is(err, provider.ErrRejected), errors.Is(err, provider.ErrUnsupported):
		return CategoryValidation
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrSubscriptionExists):
		return CategoryConflict
	case errors.Is(err, ErrDeclined):
		return CategoryDeclined
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, provider.ErrMalformedResponse), errors.Is(err, ErrTargetPending):
		return CategoryUnavailable
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, provider.ErrNotConfigured),
		errors.Is(err, provider.ErrCredentials),
		errors.Is(err, entitlements.ErrConfiguration):
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}
