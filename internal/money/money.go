// Package money provides fixed-point amount parsing and formatting.
//
// All monetary amounts in the engine are decimal.Decimal values. Floats are
// never used for money. On-chain token amounts additionally round-trip
// through smallest-unit integers (1 USDC = 1,000,000 units at 6 decimals).
package money

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNegativeAmount = errors.New("amount must be positive")
)

// MaxScale is the largest number of decimal places an amount may carry.
const MaxScale = 8

// TokenDecimals is the scale used for on-chain stablecoin amounts.
const TokenDecimals = 6

// Parse converts a decimal string (e.g. "1.50") into an amount.
// Empty strings, negative values and amounts with more than MaxScale
// decimal places are rejected.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrNegativeAmount
	}
	if int32(MaxScale)+d.Exponent() < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Format renders an amount with exactly two decimal places for fiat display.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// ToTokenUnits converts a decimal amount to its smallest-unit integer
// representation at TokenDecimals precision. Fractional dust beyond the
// token's precision is truncated.
func ToTokenUnits(d decimal.Decimal) *big.Int {
	return d.Shift(TokenDecimals).Truncate(0).BigInt()
}

// FromTokenUnits converts a smallest-unit integer back to a decimal amount.
func FromTokenUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -TokenDecimals)
}

// InBounds reports whether min <= d <= max. A zero min or max disables
// that side of the check.
func InBounds(d, min, max decimal.Decimal) bool {
	if !min.IsZero() && d.LessThan(min) {
		return false
	}
	if !max.IsZero() && d.GreaterThan(max) {
		return false
	}
	return true
}
