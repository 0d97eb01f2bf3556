// Package money provides fixed-point amounts in integer minor units.
//
// Amounts carry exactly two decimal places: "2450.00" is stored as 245000.
// No floating point is involved at any step.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits carried by an Amount.
const Decimals = 2

const scale = 100

var (
	ErrInvalidFormat = errors.New("invalid amount format")
	ErrNegative      = errors.New("amount must not be negative")
	ErrPrecision     = errors.New("amount has more than 2 decimal places")
	ErrOverflow      = errors.New("amount out of range")
)

// Amount is a monetary value in minor units.
type Amount int64

// Parse converts a decimal string ("2450", "2450.5", "2450.00") to minor units.
//
// Rules:
//   - Empty string, signs, exponents and more than one decimal point are rejected
//   - More than 2 fractional digits are rejected rather than rounded
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidFormat
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || (hasDot && frac == "") {
		return 0, ErrInvalidFormat
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, ErrInvalidFormat
	}
	if len(frac) > Decimals {
		return 0, ErrPrecision
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrOverflow
	}
	f, _ := strconv.ParseInt(frac, 10, 64)
	if w > (math.MaxInt64-f)/scale {
		return 0, ErrOverflow
	}
	return Amount(w*scale + f), nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("money: MustParse(%q): %v", s, err))
	}
	return a
}

// FromMinor wraps an integer minor-unit value.
func FromMinor(v int64) Amount { return Amount(v) }

// Minor returns the value in minor units.
func (a Amount) Minor() int64 { return int64(a) }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// String renders the amount with exactly two decimals ("2450.00").
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/scale, v%scale)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string. Bare JSON numbers are rejected so
// that no client ever round-trips money through a float.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return ErrInvalidFormat
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
