package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/pkg/payment"
	"github.com/mihaimyh/gocycle/pkg/payment/internal"
)

const (
	providerName             = "stripe"
	defaultCurrency          = "zar"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	// invoiceIDPlaceholder is replaced in SuccessURL and CancelURL
	invoiceIDPlaceholder = "{INVOICE_ID}"
)

// Config extends payment.Config with Stripe-specific options
type Config struct {
	payment.Config

	// SuccessURL is where Checkout redirects after payment. Required.
	// "{INVOICE_ID}" is replaced with the invoice ID; Stripe itself
	// expands "{CHECKOUT_SESSION_ID}".
	SuccessURL string

	// CancelURL is where Checkout redirects when the customer backs out (default: SuccessURL)
	CancelURL string

	// CustomerIDResolver maps a customer ID to a Stripe Customer ID.
	// If nil or unresolved, the Stripe Search API is queried by
	// metadata['customer_id'] before Checkout creates a new customer.
	CustomerIDResolver func(ctx context.Context, customerID string) (string, error)
}

// Provider implements payment.Provider on Stripe Checkout
type Provider struct {
	manager            *gocycle.Manager
	config             Config
	api                checkoutAPI
	rateLimiter        *internal.RateLimiter
	webhookSecret      string
	currency           string
	customerIDResolver func(context.Context, string) (string, error)
	metrics            payment.Metrics
	logger             gocycle.Logger
}

var _ payment.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe payment provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, payment.ErrProviderNotConfigured
	}
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" || strings.TrimSpace(config.SuccessURL) == "" {
		return nil, payment.ErrProviderNotConfigured
	}
	if config.CancelURL == "" {
		config.CancelURL = config.SuccessURL
	}

	currency := strings.ToLower(strings.TrimSpace(config.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &payment.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &gocycle.NoopLogger{}
	}

	return &Provider{
		manager:            config.Manager,
		config:             config,
		api:                &clientAPI{client: stripe.NewClient(apiKey)},
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret:      strings.TrimSpace(config.WebhookSecret),
		currency:           currency,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Currency returns the ISO currency code invoices are charged in
func (p *Provider) Currency() string {
	return p.currency
}
