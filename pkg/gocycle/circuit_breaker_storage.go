package gocycle

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscription(ctx, id)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) SetSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpdateSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) ListSubscriptions(ctx context.Context, status SubscriptionStatus) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		subs, e = s.storage.ListSubscriptions(ctx, status)
		return e
	})
	return subs, err
}

func (s *CircuitBreakerStorage) CreateInvoice(ctx context.Context, inv *Invoice) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateInvoice(ctx, inv)
	})
}

func (s *CircuitBreakerStorage) GetInvoice(ctx context.Context, subscriptionID string, month MonthKey) (*Invoice, error) {
	var inv *Invoice
	err := s.cb.Execute(ctx, func() error {
		var e error
		inv, e = s.storage.GetInvoice(ctx, subscriptionID, month)
		return e
	})
	return inv, err
}

func (s *CircuitBreakerStorage) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpdateInvoice(ctx, inv)
	})
}

func (s *CircuitBreakerStorage) TransitionInvoice(ctx context.Context, inv *Invoice, from InvoiceStatus) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.TransitionInvoice(ctx, inv, from)
	})
}

func (s *CircuitBreakerStorage) ListInvoices(ctx context.Context, subscriptionID string) ([]*Invoice, error) {
	var invoices []*Invoice
	err := s.cb.Execute(ctx, func() error {
		var e error
		invoices, e = s.storage.ListInvoices(ctx, subscriptionID)
		return e
	})
	return invoices, err
}

func (s *CircuitBreakerStorage) GetBillingSettings(ctx context.Context, customerID string) (*BillingSettings, error) {
	var settings *BillingSettings
	err := s.cb.Execute(ctx, func() error {
		var e error
		settings, e = s.storage.GetBillingSettings(ctx, customerID)
		return e
	})
	return settings, err
}

func (s *CircuitBreakerStorage) SetBillingSettings(ctx context.Context, settings *BillingSettings) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetBillingSettings(ctx, settings)
	})
}

// Now delegates to the wrapped storage's TimeSource, if any.
func (s *CircuitBreakerStorage) Now(ctx context.Context) (time.Time, error) {
	ts, ok := s.storage.(TimeSource)
	if !ok {
		return time.Now(), nil
	}
	var now time.Time
	err := s.cb.Execute(ctx, func() error {
		var e error
		now, e = ts.Now(ctx)
		return e
	})
	return now, err
}
