package payment

import (
	"context"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// WebhookCallback is invoked after an invoice has been settled from a webhook.
// A returned error is logged and does not fail the webhook.
type WebhookCallback func(ctx context.Context, event PaymentEvent) error

// Config defines the configuration shared by all providers
type Config struct {
	// Manager settles invoices when a payment completes
	Manager *gocycle.Manager

	// WebhookSecret verifies incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls to the provider
	APIKey string

	// Currency is the ISO 4217 code invoices are charged in (default: "zar")
	Currency string

	// WebhookCallback is notified of every settled invoice (optional)
	WebhookCallback WebhookCallback

	// Metrics tracks provider operations (default: NoopMetrics).
	// Use payment/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: gocycle.NoopLogger)
	Logger gocycle.Logger
}
