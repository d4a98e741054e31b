// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal amount to the chain's smallest unit.
// For example, ToBaseUnits(1.5, 9) returns 1500000000 (lamports).
// Digits beyond the given precision are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	return amount.Shift(decimals).Truncate(0).BigInt(), nil
}

// FromBaseUnits converts an amount in the chain's smallest unit to a decimal.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// FromUint64Units is FromBaseUnits for uint64 amounts.
func FromUint64Units(units uint64, decimals int32) decimal.Decimal {
	return FromBaseUnits(new(big.Int).SetUint64(units), decimals)
}

// Normalize truncates an amount to the given precision.
func Normalize(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Truncate(decimals)
}

// FormatFixed renders an amount with exactly decimals fraction digits,
// e.g. FormatFixed(95, 3) returns "95.000".
func FormatFixed(amount decimal.Decimal, decimals int32) string {
	return amount.Truncate(decimals).StringFixed(decimals)
}
