// Package gateway builds the provider registry from configuration.
package gateway

import (
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider/payjp"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider/paypal"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider/square"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider/stripe"
	"github.com/ManuelReschke/SalonFox/internal/pkg/config"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
)

const stripeNetworkRetries = 2

// NewRegistry creates an adapter for every provider with complete
// credentials. Providers missing any credential are left out.
func NewRegistry(cfg config.Billing) *provider.Registry {
	tiers := entitlements.PaidPlanOrder()
	var adapters []provider.Adapter

	if cfg.Stripe.Configured() {
		adapters = append(adapters, stripe.New(stripe.Config{
			SecretKey:         cfg.Stripe.SecretKey,
			WebhookSecret:     cfg.Stripe.WebhookSecret,
			Plans:             provider.NewPlanTable(cfg.Stripe.Prices, tiers),
			Timeout:           cfg.Timeout,
			BaseURL:           cfg.Stripe.BaseURL,
			MaxNetworkRetries: stripeNetworkRetries,
		}))
	}
	if cfg.Square.Configured() {
		adapters = append(adapters, square.New(square.Config{
			AccessToken:         cfg.Square.AccessToken,
			LocationID:          cfg.Square.LocationID,
			WebhookSignatureKey: cfg.Square.WebhookSignatureKey,
			NotificationURL:     WebhookURL(cfg.WebhookBaseURL, provider.NameSquare),
			BaseURL:             cfg.Square.BaseURL,
			Plans:               provider.NewPlanTable(cfg.Square.PlanVariations, tiers),
			Timeout:             cfg.Timeout,
		}))
	}
	if cfg.PayPal.Configured() {
		adapters = append(adapters, paypal.New(paypal.Config{
			ClientID:         cfg.PayPal.ClientID,
			ClientSecret:     cfg.PayPal.ClientSecret,
			WebhookID:        cfg.PayPal.WebhookID,
			BaseURL:          cfg.PayPal.BaseURL,
			Plans:            provider.NewPlanTable(cfg.PayPal.Plans, tiers),
			Timeout:          cfg.Timeout,
			TokenEarlyExpiry: cfg.PayPal.TokenEarlyExpiry,
		}))
	}
	if cfg.PayJP.Configured() {
		adapters = append(adapters, payjp.New(payjp.Config{
			SecretKey:    cfg.PayJP.SecretKey,
			WebhookToken: cfg.PayJP.WebhookToken,
			BaseURL:      cfg.PayJP.BaseURL,
			Plans:        provider.NewPlanTable(cfg.PayJP.Plans, tiers),
			Timeout:      cfg.Timeout,
		}))
	}

	registry := provider.NewRegistry(adapters...)
	if names := registry.Names(); len(names) > 0 {
		log.Infof("[Billing] Payment providers configured: %v", names)
	} else {
		log.Warn("[Billing] No payment provider has credentials, billing endpoints will answer 503")
	}
	return registry
}

// WebhookURL is the public endpoint a provider posts events to.
func WebhookURL(baseURL, name string) string {
	if baseURL == "" {
		return ""
	}
	return baseURL + "/webhooks/" + name
}
