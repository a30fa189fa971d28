package gateway

import (
	"testing"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Billing
		want []string
	}{
		{
			name: "nothing configured",
			cfg:  config.Billing{},
			want: []string{},
		},
		{
			name: "partial credentials are skipped",
			cfg: config.Billing{
				Stripe: config.Stripe{SecretKey: "sk_test"},
				Square: config.Square{AccessToken: "tok", WebhookSignatureKey: "key"},
			},
			want: []string{},
		},
		{
			name: "all configured in priority order",
			cfg: config.Billing{
				Stripe: config.Stripe{SecretKey: "sk_test", WebhookSecret: "whsec"},
				Square: config.Square{AccessToken: "tok", LocationID: "L1", WebhookSignatureKey: "key"},
				PayPal: config.PayPal{ClientID: "id", ClientSecret: "secret", WebhookID: "WH"},
				PayJP:  config.PayJP{SecretKey: "sk_jp", WebhookToken: "whook"},
			},
			want: []string{provider.NameStripe, provider.NameSquare, provider.NamePayPal, provider.NamePayJP},
		},
		{
			name: "only payjp",
			cfg:  config.Billing{PayJP: config.PayJP{SecretKey: "sk_jp", WebhookToken: "whook"}},
			want: []string{provider.NamePayJP},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(tt.cfg)
			assert.Equal(t, tt.want, registry.Names())
		})
	}
}

func TestNewRegistry_DefaultAndMissing(t *testing.T) {
	registry := NewRegistry(config.Billing{
		PayPal: config.PayPal{ClientID: "id", ClientSecret: "secret", WebhookID: "WH"},
		PayJP:  config.PayJP{SecretKey: "sk_jp", WebhookToken: "whook"},
	})

	def, err := registry.Default()
	require.NoError(t, err)
	assert.Equal(t, provider.NamePayPal, def.Name())

	_, err = registry.Get(provider.NameStripe)
	assert.ErrorIs(t, err, provider.ErrNotConfigured)

	// server-side capture is only offered by PayPal
	_, ok := def.(provider.Capturer)
	assert.True(t, ok)
}

func TestWebhookURL(t *testing.T) {
	assert.Equal(t, "https://salon.example.com/webhooks/square", WebhookURL("https://salon.example.com", provider.NameSquare))
	assert.Empty(t, WebhookURL("", provider.NameSquare))
}
