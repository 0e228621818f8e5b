// Package money converts between decimal amount strings and integer minor
// units for the currencies the escrow core accepts.
//
// Amounts are stored and compared as int64 minor units (1 USDT = 1,000,000
// units, 1 USD = 100 units). Decimal strings only exist at the edges.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// decimals maps currency codes to the number of minor-unit digits.
var decimals = map[string]int32{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"USDT": 6,
	"USDC": 6,
	"BTC":  8,
	"LTC":  8,
}

// Normalize upper-cases and trims a currency code.
func Normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Decimals returns the minor-unit digits for currency.
func Decimals(currency string) (int32, error) {
	d, ok := decimals[Normalize(currency)]
	if !ok {
		return 0, ErrUnsupportedCurrency
	}
	return d, nil
}

// Supported reports whether currency is accepted.
func Supported(currency string) bool {
	_, err := Decimals(currency)
	return err == nil
}

// Parse converts a decimal string (e.g. "1.50") to minor units of currency.
//
// Rules:
//   - Empty, negative, and zero amounts are rejected
//   - More fractional digits than the currency allows are rejected, never rounded
//   - Values that overflow int64 minor units are rejected
func Parse(s, currency string) (int64, error) {
	d, err := Decimals(currency)
	if err != nil {
		return 0, err
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if v.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	minor := v.Shift(d)
	if !minor.IsInteger() || minor.BigInt().BitLen() > 62 {
		return 0, ErrInvalidAmount
	}
	return minor.IntPart(), nil
}

// Format renders minor units of currency with exactly its decimal places,
// e.g. Format(1500000, "USDT") == "1.500000". Unknown currencies are
// rendered as plain integers.
func Format(minor int64, currency string) string {
	d, err := Decimals(currency)
	if err != nil {
		return decimal.NewFromInt(minor).String()
	}
	return decimal.New(minor, -d).StringFixed(d)
}
