package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscountFraction(t *testing.T) {
	require.InDelta(t, 0.25, RawRow{Price: 75, PriceWas: 100}.DiscountFraction(), 1e-9)
	require.Zero(t, RawRow{Price: 75}.DiscountFraction())
	require.Zero(t, RawRow{Price: 100, PriceWas: 100}.DiscountFraction(), "no discount when prices match")
	require.Zero(t, RawRow{Price: 120, PriceWas: 100}.DiscountFraction(), "price increases are not discounts")
}

func TestValidateRow(t *testing.T) {
	limits := DefaultValidationLimits()
	valid := RawRow{ItemID: "1001", StoreID: "42", Title: "Interior Paint 1gal", Price: 24.98}

	tests := []struct {
		name   string
		mutate func(*RawRow)
		reason QuarantineReason
	}{
		{"missing item id", func(r *RawRow) { r.ItemID = " " }, QuarantineMissingItemID},
		{"missing store id", func(r *RawRow) { r.StoreID = "" }, QuarantineMissingStoreID},
		{"missing title", func(r *RawRow) { r.Title = "" }, QuarantineMissingTitle},
		{"zero price", func(r *RawRow) { r.Price = 0 }, QuarantineBadPrice},
		{"negative price", func(r *RawRow) { r.Price = -4 }, QuarantineBadPrice},
		{"absurd price", func(r *RawRow) { r.Price = 900000 }, QuarantinePriceRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			row := valid
			tc.mutate(&row)
			reason, ok := ValidateRow(row, limits)
			require.False(t, ok)
			require.Equal(t, tc.reason, reason)
		})
	}

	reason, ok := ValidateRow(valid, limits)
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestHistoryEntrySameState(t *testing.T) {
	entry := HistoryEntry{Price: 10, PriceWas: 15, DiscountFraction: 1.0 / 3.0, Availability: "In Stock", IsClearance: false}
	require.True(t, entry.SameState(10, 15, 1.0/3.0, "In Stock", false))
	require.False(t, entry.SameState(9.5, 15, 1.0/3.0, "In Stock", false))
	require.False(t, entry.SameState(10, 15, 1.0/3.0, "In Stock", true))
}
