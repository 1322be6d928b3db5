package gocycle

import "slices"

// canonicalSlots is the full ordinal order; weekly subscriptions always use it.
var canonicalSlots = []MondaySlot{SlotFirst, SlotSecond, SlotThird, SlotFourth, SlotLast}

// defaultSlots returns the tier's padding order for under-specified selections.
func defaultSlots(tier Tier) []MondaySlot {
	switch tier {
	case TierBiWeekly:
		return []MondaySlot{SlotFirst, SlotThird}
	case TierMonthly:
		return []MondaySlot{SlotFirst}
	}
	return nil
}

// CanonicalSlots returns a copy of the five ordinal slots in order.
func CanonicalSlots() []MondaySlot {
	return slices.Clone(canonicalSlots)
}

// NormalizeSlots returns a de-duplicated selection sized exactly to the
// tier's requirement. Invalid names are dropped, extra entries truncated
// (earliest kept) and missing entries padded from the tier defaults.
// Weekly always yields all five slots; an invalid tier yields nil.
func NormalizeSlots(tier Tier, requested []MondaySlot) []MondaySlot {
	required := tier.RequiredSlots()
	if required == 0 {
		return nil
	}
	if tier == TierWeekly {
		return CanonicalSlots()
	}

	out := uniqueValidSlots(requested, required)

	// The defaults never run short for the current tiers; the canonical
	// order backs them up anyway.
	for _, candidates := range [][]MondaySlot{defaultSlots(tier), canonicalSlots} {
		for _, s := range candidates {
			if len(out) == required {
				return out
			}
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}

// ToggleSlot applies a UI toggle of slot to the current selection.
//
// Removing the only selected slot is a no-op. Adding a slot to a full
// selection evicts the earliest-selected one. The result is not padded: a
// bi-weekly selection may temporarily hold a single slot until the customer
// picks another, and NormalizeSlots fills it on the next calculation.
func ToggleSlot(tier Tier, current []MondaySlot, slot MondaySlot) []MondaySlot {
	required := tier.RequiredSlots()
	if required == 0 {
		return nil
	}
	if tier == TierWeekly {
		return CanonicalSlots()
	}

	sel := uniqueValidSlots(current, required)
	if !slot.Valid() {
		return sel
	}

	if i := slices.Index(sel, slot); i >= 0 {
		if len(sel) == 1 {
			return sel
		}
		return slices.Delete(sel, i, i+1)
	}

	if len(sel) == required {
		sel = sel[1:]
	}
	return append(sel, slot)
}

// uniqueValidSlots keeps valid names in the given order, first occurrence
// wins, up to limit entries. The result never aliases in.
func uniqueValidSlots(in []MondaySlot, limit int) []MondaySlot {
	out := make([]MondaySlot, 0, limit)
	for _, s := range in {
		if len(out) == limit {
			break
		}
		if !s.Valid() || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}
