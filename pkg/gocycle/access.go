package gocycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// AccessPolicy describes what a subscriber-only route requires.
type AccessPolicy struct {
	// Tiers restricts access to these tiers; empty allows every tier
	Tiers []Tier

	// RequirePaid demands that the invoice of the current cycle is settled
	RequirePaid bool
}

// CheckAccess returns the subscription when it satisfies policy.
// It fails with ErrSubscriptionNotFound, ErrSubscriptionInactive,
// ErrTierNotAllowed or ErrInvoiceUnpaid, or with a storage error.
func (m *Manager) CheckAccess(ctx context.Context, subscriptionID string, policy AccessPolicy) (*Subscription, error) {
	sub, err := m.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Active() {
		return sub, fmt.Errorf("%w: %s", ErrSubscriptionInactive, subscriptionID)
	}
	if len(policy.Tiers) > 0 && !slices.Contains(policy.Tiers, sub.Tier) {
		return sub, fmt.Errorf("%w: %s", ErrTierNotAllowed, sub.Tier)
	}
	if !policy.RequirePaid {
		return sub, nil
	}

	current, _ := m.calendar.Today(m.Now(ctx))
	inv, err := m.GetInvoice(ctx, sub.ID, current)
	switch {
	case errors.Is(err, ErrInvoiceNotFound):
		// Nothing is owed before the first cycle starts.
		if current.Before(sub.StartMonth) {
			return sub, nil
		}
		return sub, fmt.Errorf("%w: no invoice for %s", ErrInvoiceUnpaid, current)
	case err != nil:
		return nil, err
	case inv.Status != InvoiceStatusPaid:
		return sub, fmt.Errorf("%w: %s is %s", ErrInvoiceUnpaid, inv.ID, inv.Status)
	}
	return sub, nil
}
