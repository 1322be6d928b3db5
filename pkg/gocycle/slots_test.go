package gocycle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func slots(names ...string) []MondaySlot {
	return SlotsFromStrings(names)
}

// slotInputs enumerates every sequence of up to three names drawn from valid,
// duplicate and invalid candidates.
func slotInputs() [][]MondaySlot {
	alphabet := []MondaySlot{SlotFirst, SlotSecond, SlotThird, SlotFourth, SlotLast, "fifth", ""}
	inputs := [][]MondaySlot{nil}
	frontier := [][]MondaySlot{{}}
	for depth := 0; depth < 3; depth++ {
		var next [][]MondaySlot
		for _, prefix := range frontier {
			for _, s := range alphabet {
				seq := append(append([]MondaySlot{}, prefix...), s)
				next = append(next, seq)
			}
		}
		inputs = append(inputs, next...)
		frontier = next
	}
	inputs = append(inputs, CanonicalSlots(), append(CanonicalSlots(), CanonicalSlots()...))
	return inputs
}

func TestNormalizeSlots(t *testing.T) {
	tests := []struct {
		name string
		tier Tier
		in   []MondaySlot
		want []MondaySlot
	}{
		{"weekly ignores input", TierWeekly, slots("first"), slots("first", "second", "third", "fourth", "last")},
		{"weekly empty", TierWeekly, nil, slots("first", "second", "third", "fourth", "last")},
		{"bi-weekly exact", TierBiWeekly, slots("second", "last"), slots("second", "last")},
		{"bi-weekly keeps given order", TierBiWeekly, slots("last", "first"), slots("last", "first")},
		{"bi-weekly empty pads defaults", TierBiWeekly, nil, slots("first", "third")},
		{"bi-weekly pads after existing", TierBiWeekly, slots("third"), slots("third", "first")},
		{"bi-weekly pads skipping present default", TierBiWeekly, slots("first"), slots("first", "third")},
		{"bi-weekly truncates", TierBiWeekly, slots("fourth", "second", "first"), slots("fourth", "second")},
		{"bi-weekly drops duplicates", TierBiWeekly, slots("second", "second", "second"), slots("second", "first")},
		{"bi-weekly drops invalid", TierBiWeekly, slots("fifth", "", "last"), slots("last", "first")},
		{"monthly exact", TierMonthly, slots("last"), slots("last")},
		{"monthly empty", TierMonthly, nil, slots("first")},
		{"monthly truncates", TierMonthly, slots("third", "first"), slots("third")},
		{"monthly invalid only", TierMonthly, slots("Monday"), slots("first")},
		{"invalid tier", Tier("daily"), slots("first"), nil},
		{"empty tier", Tier(""), slots("first"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSlots(tt.tier, tt.in))
		})
	}
}

func TestNormalizeSlots_DoesNotAliasInput(t *testing.T) {
	in := slots("second", "last")
	out := NormalizeSlots(TierBiWeekly, in)
	out[0] = SlotFirst
	assert.Equal(t, SlotSecond, in[0])
}

func TestNormalizeSlots_Properties(t *testing.T) {
	for _, tier := range []Tier{TierWeekly, TierBiWeekly, TierMonthly} {
		for _, in := range slotInputs() {
			name := fmt.Sprintf("%s/%v", tier, in)
			once := NormalizeSlots(tier, in)

			// Size invariant
			assert.Len(t, once, tier.RequiredSlots(), name)

			// No duplicates, only valid names
			seen := map[MondaySlot]bool{}
			for _, s := range once {
				assert.True(t, s.Valid(), name)
				assert.False(t, seen[s], "duplicate in %s", name)
				seen[s] = true
			}

			// Idempotence
			assert.Equal(t, once, NormalizeSlots(tier, once), name)
		}
	}
}

func TestToggleSlot(t *testing.T) {
	tests := []struct {
		name    string
		tier    Tier
		current []MondaySlot
		toggle  MondaySlot
		want    []MondaySlot
	}{
		{"remove only slot is no-op", TierMonthly, slots("first"), SlotFirst, slots("first")},
		{"monthly replaces", TierMonthly, slots("first"), SlotLast, slots("last")},
		{"bi-weekly removes one of two", TierBiWeekly, slots("first", "third"), SlotFirst, slots("third")},
		{"bi-weekly remove only slot is no-op", TierBiWeekly, slots("third"), SlotThird, slots("third")},
		{"bi-weekly adds second", TierBiWeekly, slots("third"), SlotLast, slots("third", "last")},
		{"bi-weekly full evicts earliest", TierBiWeekly, slots("first", "third"), SlotSecond, slots("third", "second")},
		{"add to empty", TierBiWeekly, nil, SlotFourth, slots("fourth")},
		{"invalid slot ignored", TierBiWeekly, slots("first"), MondaySlot("fifth"), slots("first")},
		{"weekly is fixed", TierWeekly, nil, SlotFirst, slots("first", "second", "third", "fourth", "last")},
		{"invalid tier", Tier("yearly"), slots("first"), SlotFirst, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToggleSlot(tt.tier, tt.current, tt.toggle))
		})
	}
}

// A toggle never produces an empty selection or one larger than the tier allows.
func TestToggleSlot_Bounds(t *testing.T) {
	for _, tier := range []Tier{TierBiWeekly, TierMonthly} {
		for _, in := range slotInputs() {
			for _, s := range CanonicalSlots() {
				before := uniqueValidSlots(in, tier.RequiredSlots())
				out := ToggleSlot(tier, in, s)
				assert.LessOrEqual(t, len(out), tier.RequiredSlots())
				if len(before) > 0 {
					assert.NotEmpty(t, out, "%s %v toggle %s", tier, in, s)
				}
			}
		}
	}
}
