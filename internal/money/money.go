// Package money holds the fixed-point amount helpers shared by the ledger,
// aging, statement and backfill packages. Amounts carry three fractional
// digits, matching the minor unit of the operating currency.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount.
const Scale int32 = 3

// ErrInvalidAmount indicates an amount that is not a valid fixed-point value.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Zero is the additive identity.
var Zero = decimal.Zero

// Parse reads a decimal string and rejects values finer than Scale.
func Parse(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate reports whether d fits in Scale fractional digits.
func Validate(d decimal.Decimal) error {
	if !d.Round(Scale).Equal(d) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, d.String(), Scale)
	}
	return nil
}

// Round rounds half away from zero to Scale digits.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Sum adds the given amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
