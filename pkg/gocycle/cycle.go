package gocycle

import "sort"

// ResolveCycleDeliveryDates maps a tier and slot selection onto the concrete
// delivery dates of month k.
//
// Weekly returns every Monday. Other tiers resolve their normalized slots in
// order, skipping ordinals the month does not have and collapsing duplicates
// (fourth and last coincide in four-Monday months), then back-fill from the
// month's Mondays until the tier's count is met. The result is ascending.
func (c *Calendar) ResolveCycleDeliveryDates(tier Tier, slots []MondaySlot, k MonthKey) []string {
	required := tier.RequiredSlots()
	if required == 0 {
		return nil
	}
	mondays := c.MondaysIn(k)
	if len(mondays) == 0 {
		return nil
	}
	if tier == TierWeekly {
		return mondays
	}

	picked := make([]string, 0, required)
	seen := make(map[string]bool, required)
	add := func(d string) {
		if !seen[d] {
			seen[d] = true
			picked = append(picked, d)
		}
	}

	for _, s := range NormalizeSlots(tier, slots) {
		if d, ok := ordinalMonday(mondays, s); ok {
			add(d)
		}
	}
	for _, d := range mondays {
		if len(picked) >= required {
			break
		}
		add(d)
	}

	sort.Strings(picked)
	return picked
}

// ordinalMonday resolves slot against the month's Monday list.
func ordinalMonday(mondays []string, slot MondaySlot) (string, bool) {
	idx := -1
	switch slot {
	case SlotFirst:
		idx = 0
	case SlotSecond:
		idx = 1
	case SlotThird:
		idx = 2
	case SlotFourth:
		idx = 3
	case SlotLast:
		idx = len(mondays) - 1
	}
	if idx < 0 || idx >= len(mondays) {
		return "", false
	}
	return mondays[idx], true
}

// ResolveCycleDeliveryDates resolves delivery dates for a "YYYY-MM" month in
// the business timezone. Unparsable months yield an empty list.
func ResolveCycleDeliveryDates(tier Tier, slots []MondaySlot, monthKey string) []string {
	k, err := ParseMonthKey(monthKey)
	if err != nil {
		return nil
	}
	return defaultCalendar.ResolveCycleDeliveryDates(tier, slots, k)
}
