package payment

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration
	ErrProviderNotConfigured = errors.New("payment provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrInvoiceMetadataMissing is returned when a payment event carries no invoice reference
	ErrInvoiceMetadataMissing = errors.New("payment event missing invoice metadata")

	// ErrAmountMismatch is returned when the settled amount differs from the invoice amount
	ErrAmountMismatch = errors.New("payment amount does not match invoice")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in payment provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("payment provider API error")
)
