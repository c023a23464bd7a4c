// Package money provides the fixed-point decimal type used for order
// amounts. Go has no built-in decimal type and float64 cannot represent
// "exactly two fractional digits" without rounding drift, so amounts are
// backed by shopspring/decimal.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNegativeAmount is returned when an amount would be less than zero.
var ErrNegativeAmount = errors.New("money: amount must be >= 0")

// ErrNotPositive is returned when an amount must be strictly positive
// (order submission) but is zero or negative.
var ErrNotPositive = errors.New("money: amount must be > 0")

// Amount is a non-negative fixed-point decimal rounded to 2 fractional
// digits, the representation order totals are stored and compared in.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// NewAmount builds an Amount from a float, rounding to 2 decimal places.
// Used at the HTTP boundary where JSON numbers decode as float64.
func NewAmount(v float64) (Amount, error) {
	d := decimal.NewFromFloat(v).Round(2)
	if d.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{d: d}, nil
}

// MustPositive returns ErrNotPositive if the amount is not strictly
// greater than zero, the input contract every order amount must satisfy.
func (a Amount) MustPositive() error {
	if !a.d.IsPositive() {
		return ErrNotPositive
	}
	return nil
}

// ParseAmount parses a decimal string (e.g. from a database column).
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: parse amount: %w", err)
	}
	d = d.Round(2)
	if d.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{d: d}, nil
}

func (a Amount) String() string { return a.d.StringFixed(2) }

// Float64 exposes the amount for JSON encoding at API boundaries.
func (a Amount) Float64() float64 { f, _ := a.d.Float64(); return f }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.d.StringFixed(2)), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var f float64
	if err := decimalUnmarshal(b, &f); err != nil {
		return err
	}
	amt, err := NewAmount(f)
	if err != nil {
		return err
	}
	*a = amt
	return nil
}

func decimalUnmarshal(b []byte, f *float64) error {
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("money: decode amount: %w", err)
	}
	v, _ := d.Float64()
	*f = v
	return nil
}

// Value implements driver.Valuer so an Amount can be written directly by
// database/sql as a numeric-compatible string.
func (a Amount) Value() (driver.Value, error) {
	return a.d.StringFixed(2), nil
}

// Scan implements sql.Scanner for reading numeric/text columns back out.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := ParseAmount(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case float64:
		parsed, err := NewAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("money: unsupported scan source %T", src)
	}
}
