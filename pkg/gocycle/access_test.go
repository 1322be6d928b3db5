package gocycle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

func TestManager_CheckAccess(t *testing.T) {
	f := newFixture(t, "2025-08-10")
	ctx := context.Background()

	_, inv, err := f.manager.CreateSubscription(ctx, &gocycle.CreateSubscriptionRequest{
		ID: "sub-1", CustomerID: "cust-1", Tier: gocycle.TierBiWeekly,
	})
	require.NoError(t, err)

	sub, err := f.manager.CheckAccess(ctx, "sub-1", gocycle.AccessPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)

	_, err = f.manager.CheckAccess(ctx, "sub-1", gocycle.AccessPolicy{Tiers: []gocycle.Tier{gocycle.TierWeekly}})
	assert.ErrorIs(t, err, gocycle.ErrTierNotAllowed)

	_, err = f.manager.CheckAccess(ctx, "sub-1", gocycle.AccessPolicy{RequirePaid: true})
	assert.ErrorIs(t, err, gocycle.ErrInvoiceUnpaid)

	_, err = f.manager.MarkInvoicePaid(ctx, "sub-1", inv.CycleMonth, "EFT-1")
	require.NoError(t, err)
	_, err = f.manager.CheckAccess(ctx, "sub-1", gocycle.AccessPolicy{
		Tiers:       []gocycle.Tier{gocycle.TierBiWeekly},
		RequirePaid: true,
	})
	assert.NoError(t, err)

	// September has no invoice yet
	f.clock.Set(at(t, "2025-09-02"))
	_, err = f.manager.CheckAccess(ctx, "sub-1", gocycle.AccessPolicy{RequirePaid: true})
	assert.ErrorIs(t, err, gocycle.ErrInvoiceUnpaid)

	_, err = f.manager.CheckAccess(ctx, "missing", gocycle.AccessPolicy{})
	assert.ErrorIs(t, err, gocycle.ErrSubscriptionNotFound)

	_, err = f.manager.CancelSubscription(ctx, "sub-1")
	require.NoError(t, err)
	_, err = f.manager.CheckAccess(ctx, "sub-1", gocycle.AccessPolicy{})
	assert.ErrorIs(t, err, gocycle.ErrSubscriptionInactive)
}

func TestManager_CheckAccess_BeforeFirstCycle(t *testing.T) {
	f := newFixture(t, "2025-09-10")
	ctx := context.Background()

	// Starts in October; the October invoice exists but September owes nothing
	_, _, err := f.manager.CreateSubscription(ctx, &gocycle.CreateSubscriptionRequest{
		ID: "sub-1", CustomerID: "cust-1", Tier: gocycle.TierMonthly,
	})
	require.NoError(t, err)

	_, err = f.manager.CheckAccess(ctx, "sub-1", gocycle.AccessPolicy{RequirePaid: true})
	assert.NoError(t, err)
}
