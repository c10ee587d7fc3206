// Package money provides a fixed-point monetary value stored as integer minor
// units (cents). All arithmetic is exact; decimal parsing happens only at the
// system boundary.
package money

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits per major unit.
const Scale = 2

var (
	// ErrMalformed is returned when a monetary string cannot be parsed.
	ErrMalformed = errors.New("malformed money value")
	// ErrTooPrecise is returned when a value has more fractional digits than Scale.
	ErrTooPrecise = errors.New("money value has more than 2 fractional digits")
	// ErrNegative is returned when a non-negative value was required.
	ErrNegative = errors.New("money value must not be negative")
	// ErrOverflow is returned when a value does not fit into int64 minor units.
	ErrOverflow = errors.New("money value out of range")
)

var minorPerMajor = decimal.New(1, Scale)

// Money is an amount in minor units.
type Money int64

// Zero is the zero amount.
const Zero Money = 0

// FromMinor returns a Money holding the given number of minor units.
func FromMinor(units int64) Money { return Money(units) }

// Parse converts a decimal string in major units ("12.34", "5") into Money.
// Negative values and values with more than two fractional digits are rejected.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "parse %q", s)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal amount in major units into Money.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return 0, ErrNegative
	}
	minor := d.Mul(minorPerMajor)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if !minor.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return Money(minor.IntPart()), nil
}

// Minor returns the amount in minor units.
func (m Money) Minor() int64 { return int64(m) }

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -Scale)
}

// Add returns m + o.
func (m Money) Add(o Money) Money { return m + o }

// Sub returns m - o.
func (m Money) Sub(o Money) Money { return m - o }

// IsNegative reports whether m < 0.
func (m Money) IsNegative() bool { return m < 0 }

// IsZero reports whether m == 0.
func (m Money) IsZero() bool { return m == 0 }

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// String formats m in major units with exactly two fractional digits.
func (m Money) String() string {
	return m.Decimal().StringFixed(Scale)
}

