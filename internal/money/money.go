// Package money provides the fixed-point arithmetic used for cash balances,
// prices and share quantities.
//
// All values use shopspring/decimal; never float64 for money. Inputs carry
// at most Scale fractional digits, so the product of a quantity and a price is
// exact at LedgerScale and balances never need rounding. The only rounded
// value is the weighted-average cost basis, which is a quotient.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the maximum number of fractional digits accepted for prices,
	// quantities and configured balances.
	Scale int32 = 3

	// LedgerScale is the number of fractional digits balances, costs and
	// average prices are kept at. Scale*2 keeps qty*price exact.
	LedgerScale int32 = Scale * 2

	// MaxIntegerDigits bounds the integer part of any accepted value. It is
	// the integer width of the NUMERIC(24, 6) balance column.
	MaxIntegerDigits int32 = 18

	// minExponent bounds trailing fractional zeros, so rescaling an accepted
	// value never builds a large coefficient.
	minExponent = -(MaxIntegerDigits + LedgerScale)
)

var (
	// ErrTooPrecise is returned when a value has more than Scale fractional digits.
	ErrTooPrecise = errors.New("money: too many fractional digits")

	// ErrOutOfRange is returned when a value has more than MaxIntegerDigits
	// integer digits.
	ErrOutOfRange = errors.New("money: value out of range")

	// ErrNoShares is returned when an average would be taken over zero or
	// negative total shares.
	ErrNoShares = errors.New("money: average over non-positive share count")

	// StartingBalance is the cash assigned to every new or reset account.
	StartingBalance = decimal.RequireFromString("100000.000")
)

// Validate reports ErrOutOfRange if d has more than MaxIntegerDigits integer
// digits and ErrTooPrecise if it cannot be represented at Scale. Magnitude is
// checked on the exponent first; nothing is rescaled until d is known to be
// small.
func Validate(d decimal.Decimal) error {
	exp := d.Exponent()
	if exp > MaxIntegerDigits {
		return fmt.Errorf("%w: exponent %d (max %d integer digits)", ErrOutOfRange, exp, MaxIntegerDigits)
	}
	if exp < minExponent {
		return fmt.Errorf("%w: exponent %d (max %d)", ErrTooPrecise, exp, Scale)
	}
	if !d.IsZero() {
		if digits := int64(d.NumDigits()) + int64(exp); digits > int64(MaxIntegerDigits) {
			return fmt.Errorf("%w: %d integer digits (max %d)", ErrOutOfRange, digits, MaxIntegerDigits)
		}
	}
	if !d.Equal(d.Truncate(Scale)) {
		return fmt.Errorf("%w: %s (max %d)", ErrTooPrecise, d.String(), Scale)
	}
	return nil
}

// Parse reads a decimal string and validates its precision.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Cost returns qty * price. For Scale-bounded inputs the result is exact.
func Cost(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}

// WeightedAverage computes the cost basis after buying qty shares at price on
// top of oldShares held at oldAvg:
//
//	(oldShares*oldAvg + qty*price) / (oldShares + qty)
//
// The quotient is rounded half away from zero to LedgerScale.
func WeightedAverage(oldShares, oldAvg, qty, price decimal.Decimal) (decimal.Decimal, error) {
	total := oldShares.Add(qty)
	if !total.IsPositive() {
		return decimal.Zero, ErrNoShares
	}
	spent := oldShares.Mul(oldAvg).Add(qty.Mul(price))
	return spent.DivRound(total, LedgerScale), nil
}

// Normalize rounds d to LedgerScale for storage and display.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(LedgerScale)
}
