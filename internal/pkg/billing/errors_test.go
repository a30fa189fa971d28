package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"validation", fmt.Errorf("%w: bad amount", ErrValidation), CategoryValidation},
		{"provider rejected", provider.Rejected(provider.NameSquare, errors.New("bad request")), CategoryValidation},
		{"unsupported", fmt.Errorf("square: %w", provider.ErrUnsupported), CategoryValidation},
		{"not found", fmt.Errorf("payment x: %w", ErrNotFound), CategoryNotFound},
		{"slot taken", ErrSubscriptionExists, CategoryConflict},
		{"declined refund", fmt.Errorf("%w: card expired", ErrDeclined), CategoryDeclined},
		{"timeout", provider.Unavailable(provider.NameStripe, errors.New("deadline exceeded")), CategoryUnavailable},
		{"garbage response", provider.Malformed(provider.NamePayPal, errors.New("eof")), CategoryUnavailable},
		{"provider missing", fmt.Errorf("%w: %q", provider.ErrNotConfigured, "payjp"), CategoryConfiguration},
		{"bad credentials", provider.StatusError(provider.NameStripe, 401, nil), CategoryConfiguration},
		{"plan lookup", fmt.Errorf("%w: no plan", entitlements.ErrConfiguration), CategoryConfiguration},
		{"signature", &provider.SignatureError{Provider: "stripe", Reason: "mismatch"}, CategorySignature},
		{"anything else", errors.New("disk full"), CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "provider_unavailable", CategoryUnavailable.String())
	assert.Equal(t, "system_not_ready", CategoryConfiguration.String())
	assert.Equal(t, "internal_error", CategoryInternal.String())
}
