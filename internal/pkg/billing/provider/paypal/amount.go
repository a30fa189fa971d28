package paypal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists currencies PayPal expresses without minor units.
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "TWD": true, "HUF": true}

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// toMajor renders minor units as the decimal string PayPal expects.
func toMajor(minor int64, currency string) string {
	exp := exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}

// toMinor parses a PayPal amount back to minor units. Values with more
// precision than the currency allows are rejected.
func toMinor(value, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", value, err)
	}
	shifted := d.Shift(exponent(currency))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %q has too many decimals for %s", value, currency)
	}
	return shifted.IntPart(), nil
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func newAmount(minor int64, currency string) amount {
	currency = strings.ToUpper(currency)
	return amount{CurrencyCode: currency, Value: toMajor(minor, currency)}
}
