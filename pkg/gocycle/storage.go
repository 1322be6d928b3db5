package gocycle

import (
	"context"
	"slices"
	"time"
)

// Storage defines the interface for subscription and invoice persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetSubscription retrieves a subscription.
	// Returns ErrSubscriptionNotFound if it does not exist.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// SetSubscription creates or replaces a subscription as given, version included.
	// Cache tiers and imports use it; billing writes go through UpdateSubscription.
	SetSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription writes sub only while the stored version still equals
	// sub.Version, then advances sub.Version. A zero Version creates the
	// subscription. Returns ErrSubscriptionConflict if another write got there
	// first (or the ID is taken) and ErrSubscriptionNotFound if a non-zero
	// Version names a subscription that does not exist.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// ListSubscriptions returns all subscriptions in the given status.
	ListSubscriptions(ctx context.Context, status SubscriptionStatus) ([]*Subscription, error)

	// CreateInvoice atomically stores a new invoice.
	// Returns ErrInvoiceExists if the subscription already has an invoice for that cycle month.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice retrieves the invoice of a subscription for a cycle month.
	// Returns ErrInvoiceNotFound if it does not exist.
	GetInvoice(ctx context.Context, subscriptionID string, month MonthKey) (*Invoice, error)

	// UpdateInvoice replaces an existing invoice.
	// Returns ErrInvoiceNotFound if it does not exist.
	UpdateInvoice(ctx context.Context, inv *Invoice) error

	// TransitionInvoice replaces an existing invoice only while its stored
	// status is still from. Returns ErrInvoiceNotFound if it does not exist and
	// ErrInvoiceConflict if the status already moved on.
	TransitionInvoice(ctx context.Context, inv *Invoice, from InvoiceStatus) error

	// ListInvoices returns a subscription's invoices in ascending cycle order.
	ListInvoices(ctx context.Context, subscriptionID string) ([]*Invoice, error)

	// GetBillingSettings retrieves a customer's billing settings.
	// Returns nil (not an error) if none were stored.
	GetBillingSettings(ctx context.Context, customerID string) (*BillingSettings, error)

	// SetBillingSettings stores a customer's billing settings.
	SetBillingSettings(ctx context.Context, settings *BillingSettings) error
}

// TimeSource defines an interface for getting time from the storage engine.
// When a storage implements it, the Manager prices invoices against storage
// time instead of the application server clock.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// SortInvoices orders invoices by cycle month ascending. Storage backends
// use it to honour the ListInvoices ordering.
func SortInvoices(invoices []*Invoice) {
	slices.SortFunc(invoices, func(a, b *Invoice) int {
		return a.CycleMonth.Compare(b.CycleMonth)
	})
}
