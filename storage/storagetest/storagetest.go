// Package storagetest provides a conformance suite every gocycle.Storage
// backend runs in its own tests.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Factory returns an empty storage for one subtest.
type Factory func(t *testing.T) gocycle.Storage

// Run exercises the full gocycle.Storage contract against storages produced by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("SubscriptionRoundTrip", func(t *testing.T) { testSubscriptionRoundTrip(t, newStorage(t)) })
	t.Run("SubscriptionNotFound", func(t *testing.T) { testSubscriptionNotFound(t, newStorage(t)) })
	t.Run("UpdateSubscriptionVersioned", func(t *testing.T) { testUpdateSubscription(t, newStorage(t)) })
	t.Run("ConcurrentUpdateSubscription", func(t *testing.T) { testConcurrentUpdateSubscription(t, newStorage(t)) })
	t.Run("ListSubscriptionsByStatus", func(t *testing.T) { testListSubscriptions(t, newStorage(t)) })
	t.Run("InvoiceRoundTrip", func(t *testing.T) { testInvoiceRoundTrip(t, newStorage(t)) })
	t.Run("CreateInvoiceOncePerCycle", func(t *testing.T) { testCreateInvoiceOnce(t, newStorage(t)) })
	t.Run("ConcurrentCreateInvoice", func(t *testing.T) { testConcurrentCreateInvoice(t, newStorage(t)) })
	t.Run("UpdateInvoice", func(t *testing.T) { testUpdateInvoice(t, newStorage(t)) })
	t.Run("TransitionInvoice", func(t *testing.T) { testTransitionInvoice(t, newStorage(t)) })
	t.Run("ConcurrentTransitionInvoice", func(t *testing.T) { testConcurrentTransitionInvoice(t, newStorage(t)) })
	t.Run("ListInvoicesOrdered", func(t *testing.T) { testListInvoicesOrdered(t, newStorage(t)) })
	t.Run("BillingSettings", func(t *testing.T) { testBillingSettings(t, newStorage(t)) })
}

// Subscription returns a populated active subscription.
func Subscription(id string) *gocycle.Subscription {
	now := time.Date(2025, 8, 10, 9, 0, 0, 0, time.UTC)
	return &gocycle.Subscription{
		ID:                id,
		CustomerID:        "customer-" + id,
		Tier:              gocycle.TierBiWeekly,
		Slots:             []gocycle.MondaySlot{gocycle.SlotFirst, gocycle.SlotThird},
		PerDeliveryAmount: 300,
		PaymentMethod:     gocycle.PaymentMethodCard,
		Status:            gocycle.SubscriptionStatusActive,
		StartMonth:        gocycle.MustParseMonthKey("2025-08"),
		BilledThrough:     gocycle.MustParseMonthKey("2025-08"),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Invoice returns a pending invoice for subscriptionID and month.
func Invoice(subscriptionID, month string) *gocycle.Invoice {
	k := gocycle.MustParseMonthKey(month)
	return &gocycle.Invoice{
		ID:                gocycle.InvoiceID(subscriptionID, k),
		SubscriptionID:    subscriptionID,
		CustomerID:        "customer-" + subscriptionID,
		CycleMonth:        k,
		Tier:              gocycle.TierBiWeekly,
		PerDeliveryAmount: decimal.RequireFromString("300"),
		Amount:            decimal.RequireFromString("300.00"),
		CycleAmount:       decimal.RequireFromString("600.00"),
		ChargedDeliveries: 1,
		TotalDeliveries:   2,
		IsProrated:        true,
		DeliveryDates:     []string{month + "-18"},
		PaymentMethod:     gocycle.PaymentMethodCard,
		Status:            gocycle.InvoiceStatusPending,
		CreatedAt:         time.Date(2025, 8, 10, 9, 0, 0, 0, time.UTC),
	}
}

func testSubscriptionRoundTrip(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	sub := Subscription("sub-1")
	sub.SlotChanges = []gocycle.SlotChange{
		{From: gocycle.MustParseMonthKey("2025-09"), Slots: []gocycle.MondaySlot{gocycle.SlotSecond, gocycle.SlotLast}},
		{From: gocycle.MustParseMonthKey("2025-11"), Slots: []gocycle.MondaySlot{gocycle.SlotFirst, gocycle.SlotFourth}},
	}
	sub.Version = 3

	require.NoError(t, s.SetSubscription(ctx, sub))

	got, err := s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, sub.CustomerID, got.CustomerID)
	assert.Equal(t, sub.Tier, got.Tier)
	assert.Equal(t, sub.Slots, got.Slots)
	assert.Equal(t, sub.SlotChanges, got.SlotChanges)
	assert.Equal(t, sub.BilledThrough, got.BilledThrough)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, sub.PerDeliveryAmount, got.PerDeliveryAmount)
	assert.Equal(t, sub.PaymentMethod, got.PaymentMethod)
	assert.Equal(t, sub.Status, got.Status)
	assert.Equal(t, sub.StartMonth, got.StartMonth)
	assert.True(t, sub.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.CancelledAt)

	// Overwrite
	cancelled := sub.UpdatedAt.Add(time.Hour)
	sub.Status = gocycle.SubscriptionStatusCancelled
	sub.CancelledAt = &cancelled
	require.NoError(t, s.SetSubscription(ctx, sub))

	got, err = s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, gocycle.SubscriptionStatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, cancelled.Equal(*got.CancelledAt))
}

func testSubscriptionNotFound(t *testing.T, s gocycle.Storage) {
	_, err := s.GetSubscription(context.Background(), "missing")
	assert.ErrorIs(t, err, gocycle.ErrSubscriptionNotFound)
}

func testUpdateSubscription(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()

	missing := Subscription("sub-missing")
	missing.Version = 5
	assert.ErrorIs(t, s.UpdateSubscription(ctx, missing), gocycle.ErrSubscriptionNotFound)

	sub := Subscription("sub-1")
	require.NoError(t, s.UpdateSubscription(ctx, sub))
	assert.Equal(t, int64(1), sub.Version)

	// The same ID cannot be created twice
	assert.ErrorIs(t, s.UpdateSubscription(ctx, Subscription("sub-1")), gocycle.ErrSubscriptionConflict)

	stale, err := s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	fresh, err := s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)

	fresh.BilledThrough = gocycle.MustParseMonthKey("2025-09")
	require.NoError(t, s.UpdateSubscription(ctx, fresh))
	assert.Equal(t, int64(2), fresh.Version)

	stale.Status = gocycle.SubscriptionStatusCancelled
	assert.ErrorIs(t, s.UpdateSubscription(ctx, stale), gocycle.ErrSubscriptionConflict)

	got, err := s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, gocycle.SubscriptionStatusActive, got.Status, "stale write must not land")
	assert.Equal(t, "2025-09", got.BilledThrough.String())
	assert.Equal(t, int64(2), got.Version)
}

func testConcurrentUpdateSubscription(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	require.NoError(t, s.UpdateSubscription(ctx, Subscription("sub-race")))
	const writers = 8

	var saved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		sub, err := s.GetSubscription(ctx, "sub-race")
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.BilledThrough = sub.BilledThrough.Next()
			if err := s.UpdateSubscription(ctx, sub); err == nil {
				saved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), saved.Load())
	got, err := s.GetSubscription(ctx, "sub-race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testListSubscriptions(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	for _, id := range []string{"sub-a", "sub-b", "sub-c"} {
		require.NoError(t, s.SetSubscription(ctx, Subscription(id)))
	}
	cancelled := Subscription("sub-d")
	cancelled.Status = gocycle.SubscriptionStatusCancelled
	require.NoError(t, s.SetSubscription(ctx, cancelled))

	active, err := s.ListSubscriptions(ctx, gocycle.SubscriptionStatusActive)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, sub := range active {
		ids = append(ids, sub.ID)
	}
	assert.ElementsMatch(t, []string{"sub-a", "sub-b", "sub-c"}, ids)

	inactive, err := s.ListSubscriptions(ctx, gocycle.SubscriptionStatusCancelled)
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "sub-d", inactive[0].ID)
}

func testInvoiceRoundTrip(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	inv := Invoice("sub-1", "2025-08")
	inv.PaymentURL = "https://pay.example.com/session"
	require.NoError(t, s.CreateInvoice(ctx, inv))

	got, err := s.GetInvoice(ctx, "sub-1", inv.CycleMonth)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, inv.CustomerID, got.CustomerID)
	assert.Equal(t, inv.CycleMonth, got.CycleMonth)
	assert.Equal(t, inv.Tier, got.Tier)
	assert.Equal(t, "300.00", got.Amount.StringFixed(2))
	assert.Equal(t, "600.00", got.CycleAmount.StringFixed(2))
	assert.Equal(t, "300.00", got.PerDeliveryAmount.StringFixed(2))
	assert.Equal(t, 1, got.ChargedDeliveries)
	assert.Equal(t, 2, got.TotalDeliveries)
	assert.True(t, got.IsProrated)
	assert.Equal(t, inv.DeliveryDates, got.DeliveryDates)
	assert.Equal(t, inv.PaymentMethod, got.PaymentMethod)
	assert.Equal(t, inv.Status, got.Status)
	assert.Equal(t, inv.PaymentURL, got.PaymentURL)
	assert.True(t, inv.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.PaidAt)

	_, err = s.GetInvoice(ctx, "sub-1", gocycle.MustParseMonthKey("2025-09"))
	assert.ErrorIs(t, err, gocycle.ErrInvoiceNotFound)
}

func testCreateInvoiceOnce(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateInvoice(ctx, Invoice("sub-1", "2025-08")))

	dup := Invoice("sub-1", "2025-08")
	dup.Amount = decimal.RequireFromString("999.00")
	assert.ErrorIs(t, s.CreateInvoice(ctx, dup), gocycle.ErrInvoiceExists)

	got, err := s.GetInvoice(ctx, "sub-1", dup.CycleMonth)
	require.NoError(t, err)
	assert.Equal(t, "300.00", got.Amount.StringFixed(2), "first invoice must win")
}

func testConcurrentCreateInvoice(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	const writers = 8

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CreateInvoice(ctx, Invoice("sub-race", "2025-10")); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
}

func testUpdateInvoice(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	inv := Invoice("sub-1", "2025-08")
	assert.ErrorIs(t, s.UpdateInvoice(ctx, inv), gocycle.ErrInvoiceNotFound)

	require.NoError(t, s.CreateInvoice(ctx, inv))
	paidAt := inv.CreatedAt.Add(48 * time.Hour)
	inv.Status = gocycle.InvoiceStatusPaid
	inv.PaidAt = &paidAt
	inv.PaymentReference = "EFT-123"
	require.NoError(t, s.UpdateInvoice(ctx, inv))

	got, err := s.GetInvoice(ctx, "sub-1", inv.CycleMonth)
	require.NoError(t, err)
	assert.Equal(t, gocycle.InvoiceStatusPaid, got.Status)
	assert.Equal(t, "EFT-123", got.PaymentReference)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paidAt.Equal(*got.PaidAt))
}

func testTransitionInvoice(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	inv := Invoice("sub-1", "2025-08")
	assert.ErrorIs(t, s.TransitionInvoice(ctx, inv, gocycle.InvoiceStatusPending), gocycle.ErrInvoiceNotFound)

	require.NoError(t, s.CreateInvoice(ctx, inv))
	paidAt := inv.CreatedAt.Add(time.Hour)
	inv.Status = gocycle.InvoiceStatusPaid
	inv.PaidAt = &paidAt
	inv.PaymentReference = "cs_first"
	require.NoError(t, s.TransitionInvoice(ctx, inv, gocycle.InvoiceStatusPending))

	inv.PaymentReference = "cs_second"
	assert.ErrorIs(t, s.TransitionInvoice(ctx, inv, gocycle.InvoiceStatusPending), gocycle.ErrInvoiceConflict)

	got, err := s.GetInvoice(ctx, "sub-1", inv.CycleMonth)
	require.NoError(t, err)
	assert.Equal(t, gocycle.InvoiceStatusPaid, got.Status)
	assert.Equal(t, "cs_first", got.PaymentReference)
}

func testConcurrentTransitionInvoice(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateInvoice(ctx, Invoice("sub-race", "2025-10")))
	const writers = 8

	var settled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv := Invoice("sub-race", "2025-10")
			inv.Status = gocycle.InvoiceStatusPaid
			if err := s.TransitionInvoice(ctx, inv, gocycle.InvoiceStatusPending); err == nil {
				settled.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load())
}

func testListInvoicesOrdered(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()
	for _, month := range []string{"2025-11", "2025-08", "2026-01", "2025-12"} {
		require.NoError(t, s.CreateInvoice(ctx, Invoice("sub-1", month)))
	}
	require.NoError(t, s.CreateInvoice(ctx, Invoice("sub-2", "2025-09")))

	invoices, err := s.ListInvoices(ctx, "sub-1")
	require.NoError(t, err)
	months := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		months = append(months, inv.CycleMonth.String())
	}
	assert.Equal(t, []string{"2025-08", "2025-11", "2025-12", "2026-01"}, months)

	none, err := s.ListInvoices(ctx, "sub-none")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testBillingSettings(t *testing.T, s gocycle.Storage) {
	ctx := context.Background()

	settings, err := s.GetBillingSettings(ctx, "customer-1")
	require.NoError(t, err)
	assert.Nil(t, settings)

	now := time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetBillingSettings(ctx, &gocycle.BillingSettings{
		CustomerID:           "customer-1",
		BankTransferApproved: true,
		UpdatedAt:            now,
	}))

	settings, err = s.GetBillingSettings(ctx, "customer-1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.True(t, settings.BankTransferApproved)
	assert.True(t, now.Equal(settings.UpdatedAt))
}
