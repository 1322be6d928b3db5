// Package memory provides an in-memory implementation of the gocycle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Storage implements gocycle.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*gocycle.Subscription
	invoices      map[string]*gocycle.Invoice
	settings      map[string]*gocycle.BillingSettings
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*gocycle.Subscription),
		invoices:      make(map[string]*gocycle.Invoice),
		settings:      make(map[string]*gocycle.BillingSettings),
	}
}

// GetSubscription implements gocycle.Storage
func (s *Storage) GetSubscription(_ context.Context, id string) (*gocycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, gocycle.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	return copySubscription(sub), nil
}

// SetSubscription implements gocycle.Storage
func (s *Storage) SetSubscription(_ context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

// UpdateSubscription implements gocycle.Storage
func (s *Storage) UpdateSubscription(_ context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.subscriptions[sub.ID]
	switch {
	case ok && stored.Version != sub.Version:
		return gocycle.ErrSubscriptionConflict
	case !ok && sub.Version != 0:
		return gocycle.ErrSubscriptionNotFound
	}
	sub.Version++
	s.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

// ListSubscriptions implements gocycle.Storage
func (s *Storage) ListSubscriptions(_ context.Context, status gocycle.SubscriptionStatus) ([]*gocycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gocycle.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.Status == status {
			out = append(out, copySubscription(sub))
		}
	}
	slices.SortFunc(out, func(a, b *gocycle.Subscription) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// CreateInvoice implements gocycle.Storage
func (s *Storage) CreateInvoice(_ context.Context, inv *gocycle.Invoice) error {
	if inv == nil || inv.SubscriptionID == "" || !inv.CycleMonth.Valid() {
		return fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := gocycle.InvoiceID(inv.SubscriptionID, inv.CycleMonth)
	if _, ok := s.invoices[key]; ok {
		return gocycle.ErrInvoiceExists
	}
	s.invoices[key] = copyInvoice(inv)
	return nil
}

// GetInvoice implements gocycle.Storage
func (s *Storage) GetInvoice(_ context.Context, subscriptionID string, month gocycle.MonthKey) (*gocycle.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[gocycle.InvoiceID(subscriptionID, month)]
	if !ok {
		return nil, gocycle.ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

// UpdateInvoice implements gocycle.Storage
func (s *Storage) UpdateInvoice(_ context.Context, inv *gocycle.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := gocycle.InvoiceID(inv.SubscriptionID, inv.CycleMonth)
	if _, ok := s.invoices[key]; !ok {
		return gocycle.ErrInvoiceNotFound
	}
	s.invoices[key] = copyInvoice(inv)
	return nil
}

// TransitionInvoice implements gocycle.Storage
func (s *Storage) TransitionInvoice(_ context.Context, inv *gocycle.Invoice, from gocycle.InvoiceStatus) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := gocycle.InvoiceID(inv.SubscriptionID, inv.CycleMonth)
	stored, ok := s.invoices[key]
	if !ok {
		return gocycle.ErrInvoiceNotFound
	}
	if stored.Status != from {
		return gocycle.ErrInvoiceConflict
	}
	s.invoices[key] = copyInvoice(inv)
	return nil
}

// ListInvoices implements gocycle.Storage
func (s *Storage) ListInvoices(_ context.Context, subscriptionID string) ([]*gocycle.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gocycle.Invoice
	for _, inv := range s.invoices {
		if inv.SubscriptionID == subscriptionID {
			out = append(out, copyInvoice(inv))
		}
	}
	gocycle.SortInvoices(out)
	return out, nil
}

// GetBillingSettings implements gocycle.Storage
func (s *Storage) GetBillingSettings(_ context.Context, customerID string) (*gocycle.BillingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[customerID]
	if !ok {
		return nil, nil // No settings yet is not an error
	}
	settingsCopy := *settings
	return &settingsCopy, nil
}

// SetBillingSettings implements gocycle.Storage
func (s *Storage) SetBillingSettings(_ context.Context, settings *gocycle.BillingSettings) error {
	if settings == nil || settings.CustomerID == "" {
		return fmt.Errorf("invalid billing settings")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settingsCopy := *settings
	s.settings[settings.CustomerID] = &settingsCopy
	return nil
}

func copySubscription(sub *gocycle.Subscription) *gocycle.Subscription {
	c := *sub
	c.Slots = slices.Clone(sub.Slots)
	if sub.SlotChanges != nil {
		c.SlotChanges = make([]gocycle.SlotChange, len(sub.SlotChanges))
		for i, change := range sub.SlotChanges {
			c.SlotChanges[i] = gocycle.SlotChange{From: change.From, Slots: slices.Clone(change.Slots)}
		}
	}
	if sub.CancelledAt != nil {
		t := *sub.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

func copyInvoice(inv *gocycle.Invoice) *gocycle.Invoice {
	c := *inv
	c.DeliveryDates = slices.Clone(inv.DeliveryDates)
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		c.PaidAt = &t
	}
	return &c
}
