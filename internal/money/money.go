// Package money converts between decimal amounts and integer minor units.
// Nothing past the API boundary sees a decimal or float amount.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrPrecision     = errors.New("amount has more fractional digits than the currency allows")
)

// exponents lists currencies whose minor unit is not 1/100.
var exponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Exponent returns the number of fractional digits of currency's minor unit.
func Exponent(currency string) int32 {
	if e, ok := exponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// ToMinor parses a decimal string such as "250.00" into minor units.
// Values that would need rounding are rejected rather than truncated.
func ToMinor(amount string, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return DecimalToMinor(d, currency)
}

// DecimalToMinor scales d to currency's minor unit.
func DecimalToMinor(d decimal.Decimal, currency string) (int64, error) {
	scaled := d.Shift(Exponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s", ErrPrecision, d.String(), currency)
	}
	if !scaled.IsInteger() || scaled.Cmp(decimal.NewFromInt(maxInt64)) > 0 || scaled.Cmp(decimal.NewFromInt(minInt64)) < 0 {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, d.String())
	}
	return scaled.IntPart(), nil
}

// Format renders minor units as a fixed-point string, e.g. 75000 USD -> "750.00".
func Format(minor int64, currency string) string {
	return decimal.New(minor, -Exponent(currency)).StringFixed(Exponent(currency))
}

const (
	maxInt64 = int64(^uint64(0) >> 1)
	minInt64 = -maxInt64 - 1
)
