// Package money formats ledger amounts for display. This is the only place
// amounts are rounded; the ledger itself keeps full decimal precision.
package money

import (
	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a code is empty or unknown.
const DefaultCurrency = gomoney.INR

// Round rounds to the currency's minor unit (2 places for INR and USD).
func Round(v decimal.Decimal, code string) decimal.Decimal {
	return v.Round(int32(currency(code).Fraction))
}

// Format renders v with the currency's grapheme and thousands separators,
// e.g. $1,234.57.
func Format(v decimal.Decimal, code string) string {
	cur := currency(code)
	minor := v.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return gomoney.New(minor, cur.Code).Display()
}

func currency(code string) *gomoney.Currency {
	if code != "" {
		if c := gomoney.GetCurrency(code); c != nil {
			return c
		}
	}
	return gomoney.GetCurrency(DefaultCurrency)
}
