package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/pkg/payment"
)

const (
	checkoutEndpoint = "/checkout/sessions"

	metadataSubscriptionID = "subscription_id"
	metadataCycleMonth     = "cycle_month"
	metadataInvoiceID      = "invoice_id"
	metadataCustomerID     = "customer_id"
)

// PaymentLink creates a one-off Checkout Session for inv and returns its URL.
// The session metadata carries the subscription and cycle month so the
// webhook can settle the invoice.
func (p *Provider) PaymentLink(ctx context.Context, inv *gocycle.Invoice) (string, error) {
	startTime := time.Now()

	if inv == nil || inv.ID == "" || inv.SubscriptionID == "" {
		return "", fmt.Errorf("%w: invoice reference missing", gocycle.ErrPaymentLinkUnavailable)
	}
	amount := minorUnits(inv.Amount)
	if amount <= 0 {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "invalid_amount")
		return "", fmt.Errorf("%w: amount %s", gocycle.ErrPaymentLinkUnavailable, inv.Amount.StringFixed(2))
	}

	// Only a missing customer is tolerated; any other failure could create a duplicate.
	customerID, err := p.resolveCustomerID(ctx, inv.CustomerID)
	if err != nil && !errors.Is(err, payment.ErrCustomerNotFound) {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "customer_resolution_failed")
		return "", fmt.Errorf("%w: failed to resolve customer: %w", gocycle.ErrPaymentLinkUnavailable, err)
	}

	metadata := map[string]string{
		metadataSubscriptionID: inv.SubscriptionID,
		metadataCycleMonth:     inv.CycleMonth.String(),
		metadataInvoiceID:      inv.ID,
		metadataCustomerID:     inv.CustomerID,
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(p.currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(productName(inv)),
					},
					UnitAmount: stripe.Int64(amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(expandURL(p.config.SuccessURL, inv.ID)),
		CancelURL:         stripe.String(expandURL(p.config.CancelURL, inv.ID)),
		ClientReferenceID: stripe.String(inv.ID),
		Metadata:          metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
	}

	if len(inv.DeliveryDates) > 0 {
		params.LineItems[0].PriceData.ProductData.Description = stripe.String(strings.Join(inv.DeliveryDates, ", "))
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "error")
		return "", fmt.Errorf("%w: failed to create checkout session: %w", gocycle.ErrPaymentLinkUnavailable, err)
	}
	p.metrics.RecordAPICall(providerName, checkoutEndpoint, "success")

	p.logger.Debug("checkout session created",
		gocycle.Field{Key: "invoice_id", Value: inv.ID},
		gocycle.Field{Key: "session_id", Value: session.ID},
	)
	return session.URL, nil
}

// resolveCustomerID finds the Stripe customer for one of our customers.
// The resolver is the fast path; the Search API is the fallback.
func (p *Provider) resolveCustomerID(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", payment.ErrCustomerNotFound
	}
	if p.customerIDResolver != nil {
		id, err := p.customerIDResolver(ctx, customerID)
		if err == nil && id != "" {
			return id, nil
		}
	}
	return p.api.SearchCustomer(ctx, customerID)
}

// minorUnits converts an amount to cents, rounding half away from zero.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func productName(inv *gocycle.Invoice) string {
	name := fmt.Sprintf("%s deliveries %s", inv.Tier, inv.CycleMonth)
	if inv.IsProrated {
		name += fmt.Sprintf(" (%d of %d)", inv.ChargedDeliveries, inv.TotalDeliveries)
	}
	return name
}

func expandURL(raw, invoiceID string) string {
	return strings.ReplaceAll(raw, invoiceIDPlaceholder, invoiceID)
}
