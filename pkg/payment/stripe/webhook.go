package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/pkg/payment"
	"github.com/mihaimyh/gocycle/pkg/payment/internal"
)

const (
	eventCheckoutCompleted          = "checkout.session.completed"
	eventCheckoutAsyncPaymentOK     = "checkout.session.async_payment_succeeded"
	eventCheckoutAsyncPaymentFailed = "checkout.session.async_payment_failed"
	eventCheckoutExpired            = "checkout.session.expired"

	outcomeSettled   = "success"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
)

// handleWebhook verifies and processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("stripe webhook verification failed", gocycle.Field{Key: "error", Value: err})
		http.Error(w, payment.ErrInvalidWebhookSignature.Error(), http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	outcome, err := p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.logger.Error("stripe webhook processing failed",
			gocycle.Field{Key: "event_id", Value: event.ID},
			gocycle.Field{Key: "event_type", Value: eventType},
			gocycle.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		if errors.Is(err, payment.ErrInvalidWebhookPayload) {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": outcome})
}

// processWebhookEvent routes a verified event and reports its outcome
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case eventCheckoutCompleted, eventCheckoutAsyncPaymentOK:
		return p.handleCheckoutPaid(ctx, event)
	case eventCheckoutAsyncPaymentFailed, eventCheckoutExpired:
		session, err := decodeSession(event)
		if err != nil {
			return "", err
		}
		// The invoice stays open; a new link can be issued for it.
		p.logger.Warn("checkout session ended without payment",
			gocycle.Field{Key: "event_type", Value: string(event.Type)},
			gocycle.Field{Key: "session_id", Value: session.ID},
			gocycle.Field{Key: "invoice_id", Value: session.Metadata[metadataInvoiceID]},
		)
		return outcomeIgnored, nil
	default:
		return outcomeIgnored, nil
	}
}

// handleCheckoutPaid settles the invoice referenced by a paid Checkout Session
func (p *Provider) handleCheckoutPaid(ctx context.Context, event *stripe.Event) (string, error) {
	session, err := decodeSession(event)
	if err != nil {
		return "", err
	}

	// Delayed methods complete the session before the money arrives;
	// async_payment_succeeded follows once it does.
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return outcomeIgnored, nil
	}

	subscriptionID := session.Metadata[metadataSubscriptionID]
	rawMonth := session.Metadata[metadataCycleMonth]
	if subscriptionID == "" || rawMonth == "" {
		return "", fmt.Errorf("%w: %w: session %s", payment.ErrInvalidWebhookPayload,
			payment.ErrInvoiceMetadataMissing, session.ID)
	}
	month, err := gocycle.ParseMonthKey(rawMonth)
	if err != nil {
		return "", fmt.Errorf("%w: %w", payment.ErrInvalidWebhookPayload, err)
	}

	inv, err := p.manager.GetInvoice(ctx, subscriptionID, month)
	if errors.Is(err, gocycle.ErrInvoiceNotFound) {
		return "", fmt.Errorf("%w: %w", payment.ErrInvalidWebhookPayload, err)
	}
	if err != nil {
		return "", err
	}
	if inv.Status == gocycle.InvoiceStatusPaid {
		return outcomeDuplicate, nil
	}

	if !strings.EqualFold(string(session.Currency), p.currency) || session.AmountTotal != minorUnits(inv.Amount) {
		return "", fmt.Errorf("%w: %w: invoice %s is %s %s, session %s paid %s %s",
			payment.ErrInvalidWebhookPayload, payment.ErrAmountMismatch,
			inv.ID, inv.Amount.StringFixed(2), p.currency,
			session.ID, fromMinorUnits(session.AmountTotal).StringFixed(2), session.Currency)
	}

	reference := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		reference = session.PaymentIntent.ID
	}

	paid, err := p.manager.MarkInvoicePaid(ctx, subscriptionID, month, reference)
	if errors.Is(err, gocycle.ErrInvoiceVoid) {
		return "", fmt.Errorf("%w: %w", payment.ErrInvalidWebhookPayload, err)
	}
	if err != nil {
		return "", err
	}
	p.metrics.RecordInvoiceSettled(providerName, string(paid.Tier))

	if cb := p.config.WebhookCallback; cb != nil {
		evt := payment.PaymentEvent{
			Invoice:        paid,
			Provider:       providerName,
			EventType:      string(event.Type),
			EventTimestamp: time.Unix(event.Created, 0),
			Reference:      reference,
			AmountPaid:     fromMinorUnits(session.AmountTotal),
			Metadata:       session.Metadata,
		}
		if err := cb(ctx, evt); err != nil {
			p.logger.Error("payment webhook callback failed",
				gocycle.Field{Key: "invoice_id", Value: paid.ID},
				gocycle.Field{Key: "error", Value: err},
			)
		}
	}
	return outcomeSettled, nil
}

func decodeSession(event *stripe.Event) (*stripe.CheckoutSession, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", payment.ErrInvalidWebhookPayload, event.ID)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal checkout session: %w", payment.ErrInvalidWebhookPayload, err)
	}
	return &session, nil
}
