// Package types provides common types used across tally.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the number of stored units in one major currency unit.
// Token pricing produces fractions of a cent, so balances are kept in
// millionths of a dollar rather than cents.
const MicrosPerUnit = 1_000_000

const microExp = -6

// Money represents a monetary value in millionths of the major unit.
// All stored arithmetic is integer-only; conversions go through decimal.
//
// Examples:
//   - USD(50_000) = $0.05
//   - USD(15_000_000) = $15.00
type Money struct {
	Amount   int64  `json:"amount"`   // Millionths of the major unit
	Currency string `json:"currency"` // ISO 4217 lowercase: "usd"
}

// USD creates a Money value in US Dollars from micro-dollars.
func USD(micros int64) Money { return Money{Amount: micros, Currency: "usd"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: strings.ToLower(currency)} }

// FromDecimal converts a decimal major-unit amount, rounding half away from
// zero to the nearest micro unit.
func FromDecimal(d decimal.Decimal, currency string) Money {
	return Money{
		Amount:   d.Shift(-microExp).Round(0).IntPart(),
		Currency: strings.ToLower(currency),
	}
}

// Parse parses a major-unit string such as "0.05" or "14.99".
func Parse(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d, currency), nil
}

// MustParse is like Parse but panics on error. Use for constants and tests.
func MustParse(s, currency string) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Arithmetic operations

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.pick(other)}
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.pick(other)}
}

// Multiply multiplies the Money by a quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

// MulRatio scales the Money by a decimal ratio, rounding to the nearest micro unit.
func (m Money) MulRatio(ratio decimal.Decimal) Money {
	return FromDecimal(m.Decimal().Mul(ratio), m.Currency)
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both Money values are equal (same amount and currency).
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// LessThan returns true if this Money is less than other. Panics if currencies don't match.
func (m Money) LessThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount < other.Amount
}

// GreaterOrEqual returns true if this Money is at least other. Panics if currencies don't match.
func (m Money) GreaterOrEqual(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount >= other.Amount
}

// Conversions

// Decimal returns the major-unit value as a decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, microExp)
}

// Float64 returns the major-unit value as a float for wire formats that
// carry plain JSON numbers. Never feed the result back into arithmetic.
func (m Money) Float64() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// Formatting methods

// FormatMajor returns the major unit string without currency symbol.
// At least two decimals are kept; sub-cent digits are shown when present.
// "0.05" for USD(50_000), "0.000125" for USD(125), "15.00" for USD(15_000_000).
func (m Money) FormatMajor() string {
	s := m.Decimal().String()
	dot := strings.IndexByte(s, '.')
	if dot < 0 || len(s)-dot-1 < 2 {
		return m.Decimal().StringFixed(2)
	}
	return s
}

// String returns a human-readable string with currency symbol.
func (m Money) String() string {
	if m.Amount < 0 {
		return "-" + currencySymbol(m.Currency) + m.Negate().FormatMajor()
	}
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Amount = raw.Amount
	m.Currency = strings.ToLower(raw.Currency)
	return nil
}

// Helper functions

// assertSameCurrency panics if currencies don't match. A zero-value Money
// (empty currency) adopts the other side's currency.
func (m Money) assertSameCurrency(other Money) {
	if m.Currency == "" || other.Currency == "" {
		return
	}
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

func (m Money) pick(other Money) string {
	if m.Currency == "" {
		return other.Currency
	}
	return m.Currency
}

// currencySymbol returns the symbol for a currency code.
func currencySymbol(currency string) string {
	symbols := map[string]string{
		"usd": "$",
		"eur": "€",
		"gbp": "£",
		"cny": "¥",
	}
	if sym, ok := symbols[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}

// Sum calculates the sum of multiple Money values. All must have the same currency.
func Sum(values ...Money) Money {
	if len(values) == 0 {
		return Zero("usd")
	}

	result := values[0]
	for i := 1; i < len(values); i++ {
		result = result.Add(values[i])
	}
	return result
}
