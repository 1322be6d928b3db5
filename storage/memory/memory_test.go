package memory

import (
	"context"
	"testing"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/storage/storagetest"
)

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(_ *testing.T) gocycle.Storage { return New() })
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sub := storagetest.Subscription("sub-1")
	if err := storage.SetSubscription(ctx, sub); err != nil {
		t.Fatalf("SetSubscription failed: %v", err)
	}

	// Mutating the caller's value must not leak into storage
	sub.Slots[0] = gocycle.SlotLast
	got, err := storage.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Slots[0] != gocycle.SlotFirst {
		t.Errorf("Expected stored slot to stay first, got %s", got.Slots[0])
	}

	// Mutating a returned value must not leak either
	got.Slots[1] = gocycle.SlotLast
	again, _ := storage.GetSubscription(ctx, "sub-1")
	if again.Slots[1] != gocycle.SlotThird {
		t.Errorf("Expected stored slot to stay third, got %s", again.Slots[1])
	}
}

func TestStorage_InvalidInput(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.SetSubscription(ctx, nil); err == nil {
		t.Error("Expected error for nil subscription")
	}
	if err := storage.SetSubscription(ctx, &gocycle.Subscription{}); err == nil {
		t.Error("Expected error for subscription without ID")
	}
	if err := storage.UpdateSubscription(ctx, &gocycle.Subscription{}); err == nil {
		t.Error("Expected error for versioned write without ID")
	}
	if err := storage.CreateInvoice(ctx, &gocycle.Invoice{SubscriptionID: "sub-1"}); err == nil {
		t.Error("Expected error for invoice without cycle month")
	}
	if err := storage.SetBillingSettings(ctx, &gocycle.BillingSettings{}); err == nil {
		t.Error("Expected error for settings without customer ID")
	}
}

func TestStorage_CopiesSlotChanges(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sub := storagetest.Subscription("sub-1")
	sub.SlotChanges = []gocycle.SlotChange{
		{From: gocycle.MustParseMonthKey("2025-09"), Slots: []gocycle.MondaySlot{gocycle.SlotSecond, gocycle.SlotLast}},
	}
	if err := storage.UpdateSubscription(ctx, sub); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}

	sub.SlotChanges[0].Slots[0] = gocycle.SlotFirst
	got, err := storage.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.SlotChanges[0].Slots[0] != gocycle.SlotSecond {
		t.Errorf("Expected stored change to keep second, got %s", got.SlotChanges[0].Slots[0])
	}
}

func TestStorage_NotATimeSource(t *testing.T) {
	// The manager falls back to its own clock for in-process storage.
	var s gocycle.Storage = New()
	if _, ok := s.(gocycle.TimeSource); ok {
		t.Error("Expected memory storage not to implement TimeSource")
	}
}
