package models

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// SubunitExp is the number of fractional digits of one CMM.
const SubunitExp = 8

var (
	ErrNegativeAmount  = errors.New("amount is negative")
	ErrAmountPrecision = errors.New("amount has more than 8 fractional digits")
	ErrAmountRange     = errors.New("amount out of range")
)

// Amount is a quantity of CMM in subunits (1e-8 CMM).
type Amount int64

// ParseAmount parses a decimal CMM string such as "10.5" or "0.00000001".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromDecimal(d)
}

// ParseSubunits parses an integer count of subunits, as sent by notification callbacks.
func ParseSubunits(s string) (Amount, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse subunits %q: %w", s, err)
	}
	if v < 0 {
		return 0, ErrNegativeAmount
	}
	return Amount(v), nil
}

func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	shifted := d.Shift(SubunitExp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, ErrAmountRange
	}
	return Amount(bi.Int64()), nil
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -SubunitExp)
}

// String formats the amount with exactly 8 fractional digits.
func (a Amount) String() string {
	return a.Decimal().StringFixed(SubunitExp)
}

func (a Amount) Subunits() int64 {
	return int64(a)
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
