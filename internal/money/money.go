// Package money provides the fixed-precision decimal type used for every
// price, quantity, and balance in the exchange. All arithmetic is closed over
// Money; nothing in the matching or settlement path ever touches binary
// floating point.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrInvalidDecimal = errors.New("invalid decimal string")
)

// DefaultPrecision is the number of decimal places kept in the result of an
// inexact division. Overridable via SetPrecision (wired from DECIMAL_PRECISION).
const DefaultPrecision = 28

// SetPrecision sets the global division precision. Called once at startup,
// before any arithmetic happens.
func SetPrecision(digits int) {
	if digits <= 0 {
		digits = DefaultPrecision
	}
	decimal.DivisionPrecision = digits
}

func init() {
	decimal.DivisionPrecision = DefaultPrecision
}

// Money is a signed fixed-precision decimal amount.
// The zero value is usable and equal to Zero().
type Money struct {
	d decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Money { return Money{} }

// FromString parses a decimal string. The round trip through String is
// lossless for inputs within precision.
func FromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	return Money{d: d}, nil
}

// MustFromString parses a decimal string and panics on failure. For
// constants and tests only.
func MustFromString(s string) Money {
	m, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromInt converts an integer amount.
func FromInt(n int64) Money { return Money{d: decimal.NewFromInt(n)} }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Mul(o Money) Money { return Money{d: m.d.Mul(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }
func (m Money) Abs() Money        { return Money{d: m.d.Abs()} }

// Div divides m by o. Division by zero is a recoverable arithmetic error,
// never a panic.
func (m Money) Div(o Money) (Money, error) {
	if o.d.IsZero() {
		return Money{}, ErrDivisionByZero
	}
	return Money{d: m.d.Div(o.d)}, nil
}

// Round rounds half-up to the given number of decimal places.
func (m Money) Round(places int32) Money {
	return Money{d: m.d.Round(places)}
}

// Cmp returns -1, 0, or 1 comparing m to o. Equality is exact.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.Cmp(o.d) < 0 }
func (m Money) GreaterThan(o Money) bool { return m.d.Cmp(o.d) > 0 }
func (m Money) IsZero() bool             { return m.d.IsZero() }
func (m Money) IsPositive() bool         { return m.d.Sign() > 0 }
func (m Money) IsNegative() bool         { return m.d.Sign() < 0 }

// Sign returns -1 for negative, 0 for zero, 1 for positive.
func (m Money) Sign() int { return m.d.Sign() }

// Min returns the smaller of m and o.
func Min(m, o Money) Money {
	if m.d.Cmp(o.d) <= 0 {
		return m
	}
	return o
}

// Max returns the larger of m and o.
func Max(m, o Money) Money {
	if m.d.Cmp(o.d) >= 0 {
		return m
	}
	return o
}

// IsMultipleOf reports whether m is an exact multiple of step. Used for the
// tick-size and lot-size checks. A non-positive step is never a multiple.
func (m Money) IsMultipleOf(step Money) bool {
	if step.d.Sign() <= 0 {
		return false
	}
	return m.d.Mod(step.d).IsZero()
}

// String renders the canonical decimal representation.
func (m Money) String() string { return m.d.String() }

// MarshalJSON encodes the amount as a JSON string to avoid any float
// round-tripping on the wire.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.d.String() + `"`), nil
}

// UnmarshalJSON accepts both string and bare-number encodings.
func (m *Money) UnmarshalJSON(data []byte) error {
	d := decimal.Decimal{}
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDecimal, data)
	}
	m.d = d
	return nil
}
