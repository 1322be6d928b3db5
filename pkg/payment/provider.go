package payment

import (
	"net/http"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Provider is the interface a payment gateway implements.
// It creates hosted payment pages for issued invoices and settles them
// when the gateway reports a completed payment.
type Provider interface {
	gocycle.PaymentLinker

	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives gateway events.
	// Verified payment events are settled through Manager.MarkInvoicePaid.
	WebhookHandler() http.Handler
}
