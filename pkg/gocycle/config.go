package gocycle

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultBillingConcurrency = 4
	defaultFailureThreshold   = 5
	defaultResetTimeout       = 30 * time.Second
)

// PaymentLinker creates a hosted payment page for an invoice.
type PaymentLinker interface {
	// PaymentLink returns the URL the customer follows to pay inv.
	PaymentLink(ctx context.Context, inv *Invoice) (string, error)
}

// Notifier delivers invoices to customers (email, messaging, ...).
type Notifier interface {
	// InvoiceIssued is called once for every newly issued invoice.
	InvoiceIssued(ctx context.Context, sub *Subscription, inv *Invoice) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (n *NoopNotifier) InvoiceIssued(ctx context.Context, sub *Subscription, inv *Invoice) error {
	return nil
}

// Config holds Manager configuration
type Config struct {
	// Timezone is the IANA zone used for all date decisions (default: DefaultTimezone)
	Timezone string

	// Prices maps tiers to their default per-delivery amount.
	// Used when a subscription request does not carry its own amount.
	Prices map[Tier]float64

	// BillingConcurrency bounds parallel invoice issuance in RunBillingCycle (default: 4)
	BillingConcurrency int

	// Clock overrides the time source (default: storage TimeSource, then time.Now)
	Clock func() time.Time

	// CircuitBreaker wraps storage in a circuit breaker when set (optional)
	CircuitBreaker *CircuitBreakerConfig

	// PaymentLinker creates payment links for card invoices (optional)
	PaymentLinker PaymentLinker

	// Notifier delivers issued invoices (default: NoopNotifier)
	Notifier Notifier

	// Metrics is used for tracking billing operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	for tier, price := range c.Prices {
		if !tier.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
		}
		if !validAmount(price) {
			return fmt.Errorf("%w: price for %s must be positive", ErrInvalidAmount, tier)
		}
	}
	if cb := c.CircuitBreaker; cb != nil && (cb.FailureThreshold < 0 || cb.ResetTimeout < 0) {
		return fmt.Errorf("circuit breaker threshold and timeout must not be negative")
	}
	if c.BillingConcurrency < 0 {
		return fmt.Errorf("billing concurrency must not be negative")
	}
	return nil
}
