package gocycle

import "errors"

var (
	// ErrInvalidTier is returned for an unknown tier
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidAmount is returned for non-finite or non-positive per-delivery amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidMonth is returned for a malformed or out-of-range month key
	ErrInvalidMonth = errors.New("invalid month")

	// ErrInvalidRequest is returned when a required request field is missing
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidPaymentMethod is returned for an unknown payment method
	ErrInvalidPaymentMethod = errors.New("invalid payment method")

	// ErrNoPreview is returned when no invoice can be priced for the given inputs
	ErrNoPreview = errors.New("no invoice preview available")

	// ErrSubscriptionNotFound is returned when a subscription does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionConflict is returned by storage when a subscription changed since it was read
	ErrSubscriptionConflict = errors.New("subscription modified concurrently")

	// ErrSubscriptionInactive is returned when billing a cancelled subscription
	ErrSubscriptionInactive = errors.New("subscription inactive")

	// ErrCycleBeforeStart is returned when invoicing a month before the subscription started
	ErrCycleBeforeStart = errors.New("cycle month precedes subscription start")

	// ErrInvoiceNotFound is returned when an invoice does not exist
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvoiceExists is returned by storage when an invoice for the cycle was already created
	ErrInvoiceExists = errors.New("invoice already exists")

	// ErrInvoiceConflict is returned by storage when an invoice's status moved since it was read
	ErrInvoiceConflict = errors.New("invoice modified concurrently")

	// ErrInvoiceVoid is returned when settling a voided invoice
	ErrInvoiceVoid = errors.New("invoice void")

	// ErrTierNotAllowed is returned when a subscription's tier is not granted access
	ErrTierNotAllowed = errors.New("tier not allowed")

	// ErrInvoiceUnpaid is returned when the current cycle's invoice is not settled
	ErrInvoiceUnpaid = errors.New("invoice unpaid")

	// ErrPaymentLinkUnavailable is returned when a hosted payment page cannot be created
	ErrPaymentLinkUnavailable = errors.New("payment link unavailable")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCircuitOpen is returned when the storage circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
