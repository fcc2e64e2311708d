package scrape

import "strings"

// ValidationLimits bounds the sanity checks applied to extracted rows.
type ValidationLimits struct {
	MinPrice float64
	MaxPrice float64
}

// DefaultValidationLimits matches typical retail listing prices.
func DefaultValidationLimits() ValidationLimits {
	return ValidationLimits{MinPrice: 0.01, MaxPrice: 50000}
}

// ValidateRow checks a raw row for the fields the pipeline requires.
// It returns ok=false with a reason code instead of an error because a
// failed row is an expected outcome, not an exceptional one.
func ValidateRow(row RawRow, limits ValidationLimits) (QuarantineReason, bool) {
	switch {
	case strings.TrimSpace(row.ItemID) == "":
		return QuarantineMissingItemID, false
	case strings.TrimSpace(row.StoreID) == "":
		return QuarantineMissingStoreID, false
	case strings.TrimSpace(row.Title) == "":
		return QuarantineMissingTitle, false
	case row.Price <= 0:
		return QuarantineBadPrice, false
	case row.Price < limits.MinPrice || row.Price > limits.MaxPrice:
		return QuarantinePriceRange, false
	}
	return "", true
}
