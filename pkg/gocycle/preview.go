package gocycle

import (
	"math"

	"github.com/shopspring/decimal"
)

// CalculateInvoicePreview decides what the upcoming invoice charges.
//
// Deliveries still ahead of today in the current month are billed (prorated
// when some already passed). When none remain the following month is billed
// as a full cycle. Returns nil for an invalid tier or a non-finite or
// non-positive amount.
func (c *Calendar) CalculateInvoicePreview(in PreviewInput) *InvoicePreview {
	if !in.Tier.Valid() || !validAmount(in.PerDeliveryAmount) {
		return nil
	}
	price := decimal.NewFromFloat(in.PerDeliveryAmount)
	current, today := c.Today(in.Today)

	cycle := c.ResolveCycleDeliveryDates(in.Tier, in.MondaySlots, current)
	remaining := make([]string, 0, len(cycle))
	for _, d := range cycle {
		// YYYY-MM-DD compares correctly as a string.
		if d > today {
			remaining = append(remaining, d)
		}
	}
	if len(cycle) > 0 && len(remaining) > 0 {
		return newPreview(current, price, remaining, len(cycle), false)
	}

	next := current.Next()
	dates := c.ResolveCycleDeliveryDates(in.Tier, in.MondaySlots, next)
	return newPreview(next, price, dates, len(dates), true)
}

// CyclePreview prices the full cycle of month k without proration. It backs
// scheduled invoices for months that have not started yet.
func (c *Calendar) CyclePreview(tier Tier, perDeliveryAmount float64, slots []MondaySlot, k MonthKey) *InvoicePreview {
	if !tier.Valid() || !validAmount(perDeliveryAmount) || !k.Valid() {
		return nil
	}
	dates := c.ResolveCycleDeliveryDates(tier, slots, k)
	return newPreview(k, decimal.NewFromFloat(perDeliveryAmount), dates, len(dates), false)
}

func newPreview(k MonthKey, price decimal.Decimal, dates []string, total int, nextCycle bool) *InvoicePreview {
	charged := len(dates)
	if dates == nil {
		dates = []string{}
	}
	return &InvoicePreview{
		CycleMonth:        k,
		PerDeliveryAmount: price,
		InvoiceAmount:     RoundMoney(price, charged),
		CycleAmount:       RoundMoney(price, total),
		TotalDeliveries:   total,
		ChargedDeliveries: charged,
		IsProrated:        charged < total,
		DeliveryDates:     dates,
		StartsNextCycle:   nextCycle,
	}
}

// RoundMoney multiplies price by n deliveries and rounds to cents, half away
// from zero.
func RoundMoney(price decimal.Decimal, n int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(n))).Round(2)
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// CalculateInvoicePreview previews an invoice in the business timezone.
func CalculateInvoicePreview(in PreviewInput) *InvoicePreview {
	return defaultCalendar.CalculateInvoicePreview(in)
}
