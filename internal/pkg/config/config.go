// Package config collects every setting the service reads from the
// environment into one struct, built once at startup and injected.
package config

import (
	"strings"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/SalonFox/internal/pkg/env"
)

type Config struct {
	App     App
	DB      DB
	Cache   Cache
	Metrics Metrics
	Billing Billing
}

type App struct {
	Host            string
	Port            string
	Env             string
	RateLimitMax    int
	RateLimitWindow time.Duration
	UsageCacheTTL   time.Duration
}

type DB struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

type Cache struct {
	Host     string
	Port     int
	Password string
	Database int
}

type Metrics struct {
	User     string
	Password string
}

type Billing struct {
	Timeout           time.Duration
	WriteRetries      int
	WriteRetryBackoff time.Duration
	SweepInterval     time.Duration
	SweepGrace        time.Duration
	// WebhookBaseURL is the public base URL providers post webhooks to.
	WebhookBaseURL string

	Stripe Stripe
	Square Square
	PayPal PayPal
	PayJP  PayJP
}

type Stripe struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Prices        map[string]string
}

func (s Stripe) Configured() bool {
	return s.SecretKey != "" && s.WebhookSecret != ""
}

type Square struct {
	AccessToken         string
	LocationID          string
	WebhookSignatureKey string
	BaseURL             string
	PlanVariations      map[string]string
}

func (s Square) Configured() bool {
	return s.AccessToken != "" && s.LocationID != "" && s.WebhookSignatureKey != ""
}

type PayPal struct {
	ClientID         string
	ClientSecret     string
	WebhookID        string
	BaseURL          string
	TokenEarlyExpiry time.Duration
	Plans            map[string]string
}

func (p PayPal) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.WebhookID != ""
}

type PayJP struct {
	SecretKey    string
	WebhookToken string
	BaseURL      string
	Plans        map[string]string
}

func (p PayJP) Configured() bool {
	return p.SecretKey != "" && p.WebhookToken != ""
}

// Load reads the configuration from the environment. env.SetupEnvFile must
// have run before when a .env file is used.
func Load() Config {
	return Config{
		App: App{
			Host:            env.GetEnv("APP_HOST", "0.0.0.0"),
			Port:            env.GetEnv("APP_PORT", "4000"),
			Env:             env.GetEnv("APP_ENV", "prod"),
			RateLimitMax:    env.GetInt("API_RATE_LIMIT_MAX", 120),
			RateLimitWindow: env.GetDuration("API_RATE_LIMIT_WINDOW", time.Minute),
			UsageCacheTTL:   env.GetDuration("USAGE_CACHE_TTL", 60*time.Second),
		},
		DB: DB{
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", ""),
		},
		Cache: Cache{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetInt("CACHE_PORT", 6379),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			Database: env.GetInt("CACHE_DB", 0),
		},
		Metrics: Metrics{
			User:     env.GetEnv("METRICS_USER", ""),
			Password: env.GetEnv("METRICS_PASSWORD", ""),
		},
		Billing: loadBilling(),
	}
}

func loadBilling() Billing {
	return Billing{
		Timeout:           env.GetDuration("BILLING_PROVIDER_TIMEOUT", 15*time.Second),
		WriteRetries:      env.GetInt("BILLING_WRITE_RETRIES", 3),
		WriteRetryBackoff: env.GetDuration("BILLING_WRITE_RETRY_BACKOFF", 200*time.Millisecond),
		SweepInterval:     env.GetDuration("BILLING_SWEEP_INTERVAL", 15*time.Minute),
		SweepGrace:        env.GetDuration("BILLING_SWEEP_GRACE", 6*time.Hour),
		WebhookBaseURL:    strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/"),
		Stripe: Stripe{
			SecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			BaseURL:       env.GetEnv("STRIPE_API_BASE", ""),
			Prices:        planRefs("STRIPE_PRICE_"),
		},
		Square: Square{
			AccessToken:         env.GetEnv("SQUARE_ACCESS_TOKEN", ""),
			LocationID:          env.GetEnv("SQUARE_LOCATION_ID", ""),
			WebhookSignatureKey: env.GetEnv("SQUARE_WEBHOOK_SIGNATURE_KEY", ""),
			BaseURL:             env.GetEnv("SQUARE_API_BASE", "https://connect.squareup.com"),
			PlanVariations:      planRefs("SQUARE_PLAN_"),
		},
		PayPal: PayPal{
			ClientID:         env.GetEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret:     env.GetEnv("PAYPAL_CLIENT_SECRET", ""),
			WebhookID:        env.GetEnv("PAYPAL_WEBHOOK_ID", ""),
			BaseURL:          env.GetEnv("PAYPAL_API_BASE", "https://api-m.paypal.com"),
			TokenEarlyExpiry: env.GetDuration("PAYPAL_TOKEN_EARLY_EXPIRY", 60*time.Second),
			Plans:            planRefs("PAYPAL_PLAN_"),
		},
		PayJP: PayJP{
			SecretKey:    env.GetEnv("PAYJP_SECRET_KEY", ""),
			WebhookToken: env.GetEnv("PAYJP_WEBHOOK_TOKEN", ""),
			BaseURL:      env.GetEnv("PAYJP_API_BASE", "https://api.pay.jp"),
			Plans:        planRefs("PAYJP_PLAN_"),
		},
	}
}

// planRefs reads <prefix><PLAN> for every paid plan, e.g. STRIPE_PRICE_PRO.
func planRefs(prefix string) map[string]string {
	plans := entitlements.PaidPlanOrder()
	refs := make(map[string]string, len(plans))
	for _, plan := range plans {
		if v := strings.TrimSpace(env.GetEnv(prefix+strings.ToUpper(plan), "")); v != "" {
			refs[plan] = v
		}
	}
	return refs
}
