package gocycle

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the subscription frequency class.
type Tier string

const (
	// TierWeekly delivers on every Monday of the month
	TierWeekly Tier = "weekly"
	// TierBiWeekly delivers on two chosen Mondays of the month
	TierBiWeekly Tier = "bi-weekly"
	// TierMonthly delivers on one chosen Monday of the month
	TierMonthly Tier = "monthly"
)

// ParseTier converts a raw string into a Tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, t.Valid()
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierWeekly, TierBiWeekly, TierMonthly:
		return true
	}
	return false
}

// RequiredSlots returns how many Monday slots the tier occupies per month.
// Unknown tiers require none.
func (t Tier) RequiredSlots() int {
	switch t {
	case TierWeekly:
		return 5
	case TierBiWeekly:
		return 2
	case TierMonthly:
		return 1
	}
	return 0
}

// MondaySlot is the ordinal position of a Monday within a month.
type MondaySlot string

const (
	SlotFirst  MondaySlot = "first"
	SlotSecond MondaySlot = "second"
	SlotThird  MondaySlot = "third"
	SlotFourth MondaySlot = "fourth"
	// SlotLast is whichever Monday is chronologically last (the 4th or 5th)
	SlotLast MondaySlot = "last"
)

// Valid reports whether s is one of the five ordinal names.
func (s MondaySlot) Valid() bool {
	switch s {
	case SlotFirst, SlotSecond, SlotThird, SlotFourth, SlotLast:
		return true
	}
	return false
}

// SlotsFromStrings converts raw names without validating them.
func SlotsFromStrings(names []string) []MondaySlot {
	out := make([]MondaySlot, 0, len(names))
	for _, n := range names {
		out = append(out, MondaySlot(n))
	}
	return out
}

// SlotStrings converts slots back into their raw names.
func SlotStrings(slots []MondaySlot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, string(s))
	}
	return out
}

// PreviewInput holds everything an invoice preview depends on.
// Today is explicit so previews never read the wall clock.
type PreviewInput struct {
	Tier              Tier
	PerDeliveryAmount float64
	MondaySlots       []MondaySlot
	Today             time.Time
}

// InvoicePreview is the computed amount due on the upcoming invoice.
type InvoicePreview struct {
	CycleMonth        MonthKey        `json:"cycleMonth"`
	PerDeliveryAmount decimal.Decimal `json:"perDeliveryAmount"`
	InvoiceAmount     decimal.Decimal `json:"invoiceAmount"`
	CycleAmount       decimal.Decimal `json:"cycleAmount"`
	TotalDeliveries   int             `json:"totalDeliveries"`
	ChargedDeliveries int             `json:"chargedDeliveries"`
	IsProrated        bool            `json:"isProrated"`
	DeliveryDates     []string        `json:"deliveryDates"`
	StartsNextCycle   bool            `json:"startsNextCycle"`
}
