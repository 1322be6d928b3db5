package gocycle

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// day returns noon of a business-timezone calendar date.
func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := DefaultCalendar().ParseDate(s)
	require.NoError(t, err)
	return d.Add(12 * time.Hour)
}

func TestCalculateInvoicePreview_MonthlyRollsToNextCycle(t *testing.T) {
	p := CalculateInvoicePreview(PreviewInput{
		Tier:              TierMonthly,
		PerDeliveryAmount: 550,
		MondaySlots:       slots("first"),
		Today:             day(t, "2025-09-10"),
	})
	require.NotNil(t, p)

	assert.True(t, p.StartsNextCycle)
	assert.Equal(t, "2025-10", p.CycleMonth.String())
	assert.Equal(t, "550.00", p.InvoiceAmount.StringFixed(2))
	assert.Equal(t, "550.00", p.CycleAmount.StringFixed(2))
	assert.False(t, p.IsProrated)
	assert.Equal(t, 1, p.ChargedDeliveries)
	assert.Equal(t, 1, p.TotalDeliveries)
	assert.Equal(t, []string{"2025-10-06"}, p.DeliveryDates)
}

func TestCalculateInvoicePreview_BiWeeklyProratesRemainder(t *testing.T) {
	p := CalculateInvoicePreview(PreviewInput{
		Tier:              TierBiWeekly,
		PerDeliveryAmount: 300,
		MondaySlots:       slots("first", "third"),
		Today:             day(t, "2025-08-10"),
	})
	require.NotNil(t, p)

	assert.Equal(t, "2025-08", p.CycleMonth.String())
	assert.Equal(t, 1, p.ChargedDeliveries)
	assert.Equal(t, 2, p.TotalDeliveries)
	assert.Equal(t, "300.00", p.InvoiceAmount.StringFixed(2))
	assert.Equal(t, "600.00", p.CycleAmount.StringFixed(2))
	assert.True(t, p.IsProrated)
	assert.False(t, p.StartsNextCycle)
	assert.Equal(t, []string{"2025-08-18"}, p.DeliveryDates)
}

func TestCalculateInvoicePreview_WeeklyIgnoresSlots(t *testing.T) {
	assert.Equal(t, CanonicalSlots(), NormalizeSlots(TierWeekly, slots("first")))

	p := CalculateInvoicePreview(PreviewInput{
		Tier:              TierWeekly,
		PerDeliveryAmount: 100,
		MondaySlots:       slots("first"),
		Today:             day(t, "2025-09-10"),
	})
	require.NotNil(t, p)

	assert.Equal(t, "2025-09", p.CycleMonth.String())
	assert.Equal(t, []string{"2025-09-15", "2025-09-22", "2025-09-29"}, p.DeliveryDates)
	assert.Equal(t, 3, p.ChargedDeliveries)
	assert.Equal(t, 5, p.TotalDeliveries)
	assert.Equal(t, "300.00", p.InvoiceAmount.StringFixed(2))
	assert.Equal(t, "500.00", p.CycleAmount.StringFixed(2))
	assert.True(t, p.IsProrated)
}

func TestCalculateInvoicePreview_InvalidInput(t *testing.T) {
	today := day(t, "2025-08-10")
	tests := []struct {
		name   string
		tier   Tier
		amount float64
	}{
		{"empty tier", "", 300},
		{"unknown tier", "daily", 300},
		{"zero amount", TierMonthly, 0},
		{"negative amount", TierMonthly, -10},
		{"NaN amount", TierMonthly, math.NaN()},
		{"infinite amount", TierMonthly, math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, CalculateInvoicePreview(PreviewInput{
				Tier:              tt.tier,
				PerDeliveryAmount: tt.amount,
				MondaySlots:       slots("first"),
				Today:             today,
			}))
		})
	}
}

func TestCalculateInvoicePreview_TodayIsDeliveryDay(t *testing.T) {
	// Deliveries strictly after today count; the 18th itself is not billable.
	p := CalculateInvoicePreview(PreviewInput{
		Tier:              TierBiWeekly,
		PerDeliveryAmount: 300,
		MondaySlots:       slots("first", "third"),
		Today:             day(t, "2025-08-18"),
	})
	require.NotNil(t, p)

	assert.True(t, p.StartsNextCycle)
	assert.Equal(t, "2025-09", p.CycleMonth.String())
	assert.Equal(t, []string{"2025-09-01", "2025-09-15"}, p.DeliveryDates)
	assert.Equal(t, "600.00", p.InvoiceAmount.StringFixed(2))
	assert.False(t, p.IsProrated)
}

func TestCalculateInvoicePreview_BeforeFirstDeliveryChargesFullCycle(t *testing.T) {
	p := CalculateInvoicePreview(PreviewInput{
		Tier:              TierBiWeekly,
		PerDeliveryAmount: 300,
		MondaySlots:       slots("second", "last"),
		Today:             day(t, "2025-09-01"),
	})
	require.NotNil(t, p)

	assert.Equal(t, "2025-09", p.CycleMonth.String())
	assert.Equal(t, 2, p.ChargedDeliveries)
	assert.False(t, p.IsProrated)
	assert.False(t, p.StartsNextCycle)
	assert.Equal(t, "600.00", p.InvoiceAmount.StringFixed(2))
}

func TestCalculateInvoicePreview_RollsOverYearEnd(t *testing.T) {
	p := CalculateInvoicePreview(PreviewInput{
		Tier:              TierMonthly,
		PerDeliveryAmount: 550,
		MondaySlots:       slots("last"),
		Today:             day(t, "2025-12-30"),
	})
	require.NotNil(t, p)

	assert.Equal(t, "2026-01", p.CycleMonth.String())
	assert.Equal(t, []string{"2026-01-26"}, p.DeliveryDates)
}

func TestCalculateInvoicePreview_BusinessTimezone(t *testing.T) {
	// 23:30 UTC on 31 August is 1 September locally; the first Monday of
	// September is therefore today, not tomorrow, and billing rolls to October.
	p := CalculateInvoicePreview(PreviewInput{
		Tier:              TierMonthly,
		PerDeliveryAmount: 550,
		MondaySlots:       slots("first"),
		Today:             time.Date(2025, 8, 31, 23, 30, 0, 0, time.UTC),
	})
	require.NotNil(t, p)
	assert.Equal(t, "2025-10", p.CycleMonth.String())

	utc := NewCalendar(time.UTC).CalculateInvoicePreview(PreviewInput{
		Tier:              TierMonthly,
		PerDeliveryAmount: 550,
		MondaySlots:       slots("first"),
		Today:             time.Date(2025, 8, 31, 23, 30, 0, 0, time.UTC),
	})
	require.NotNil(t, utc)
	assert.Equal(t, "2025-09", utc.CycleMonth.String())
}

func TestCalculateInvoicePreview_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		amount  float64
		tier    Tier
		today   string
		invoice string
		cycle   string
	}{
		// Rounded after multiplying: 33.333 x 3 = 99.999, not 33.33 x 3.
		{"rounds the product", 33.333, TierWeekly, "2025-09-10", "100.00", "166.67"},
		{"half rounds up", 33.335, TierMonthly, "2025-09-10", "33.34", "33.34"},
		{"exact cents", 19.99, TierWeekly, "2025-09-10", "59.97", "99.95"},
		{"sub-cent half", 0.005, TierMonthly, "2025-09-10", "0.01", "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := CalculateInvoicePreview(PreviewInput{
				Tier:              tt.tier,
				PerDeliveryAmount: tt.amount,
				Today:             day(t, tt.today),
			})
			require.NotNil(t, p)
			assert.Equal(t, tt.invoice, p.InvoiceAmount.StringFixed(2))
			assert.Equal(t, tt.cycle, p.CycleAmount.StringFixed(2))
		})
	}
}

// Amount identity and proration consistency hold for every day of two years.
func TestCalculateInvoicePreview_Invariants(t *testing.T) {
	start := day(t, "2024-01-01")
	inputs := [][]MondaySlot{nil, slots("first"), slots("last"), slots("fourth", "last"), slots("second", "third", "first")}

	for d := start; d.Year() < 2026; d = d.AddDate(0, 0, 1) {
		for _, tier := range []Tier{TierWeekly, TierBiWeekly, TierMonthly} {
			for _, in := range inputs {
				p := CalculateInvoicePreview(PreviewInput{
					Tier:              tier,
					PerDeliveryAmount: 123.455,
					MondaySlots:       in,
					Today:             d,
				})
				require.NotNil(t, p)

				price := decimal.NewFromFloat(123.455)
				assert.True(t, p.InvoiceAmount.Equal(price.Mul(decimal.NewFromInt(int64(p.ChargedDeliveries))).Round(2)))
				assert.True(t, p.CycleAmount.Equal(price.Mul(decimal.NewFromInt(int64(p.TotalDeliveries))).Round(2)))
				assert.LessOrEqual(t, p.ChargedDeliveries, p.TotalDeliveries)
				assert.Equal(t, p.ChargedDeliveries < p.TotalDeliveries, p.IsProrated)
				if p.IsProrated {
					assert.False(t, p.StartsNextCycle)
				}
				assert.Len(t, p.DeliveryDates, p.ChargedDeliveries)
				assert.Positive(t, p.ChargedDeliveries)

				_, today := DefaultCalendar().Today(d)
				for _, date := range p.DeliveryDates {
					assert.Greater(t, date, today)
				}
			}
		}
	}
}

func TestCyclePreview(t *testing.T) {
	cal := DefaultCalendar()

	p := cal.CyclePreview(TierBiWeekly, 300, slots("second", "last"), MustParseMonthKey("2025-09"))
	require.NotNil(t, p)
	assert.Equal(t, []string{"2025-09-08", "2025-09-29"}, p.DeliveryDates)
	assert.Equal(t, "600.00", p.InvoiceAmount.StringFixed(2))
	assert.False(t, p.IsProrated)
	assert.False(t, p.StartsNextCycle)

	assert.Nil(t, cal.CyclePreview(TierBiWeekly, 0, nil, MustParseMonthKey("2025-09")))
	assert.Nil(t, cal.CyclePreview("", 300, nil, MustParseMonthKey("2025-09")))
	assert.Nil(t, cal.CyclePreview(TierMonthly, 300, nil, MonthKey{}))
}
