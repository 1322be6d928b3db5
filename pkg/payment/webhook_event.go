package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// PaymentEvent describes an invoice settled from a provider webhook.
// It is passed to the WebhookCallback after the invoice is marked paid.
type PaymentEvent struct {
	// Invoice is the settled invoice as stored
	Invoice *gocycle.Invoice

	// Provider is the payment provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type,
	// e.g. "checkout.session.completed"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Reference is the provider's payment identifier saved on the invoice
	Reference string

	// AmountPaid is the amount the provider collected
	AmountPaid decimal.Decimal

	// Metadata carries the provider object's metadata
	Metadata map[string]string
}
