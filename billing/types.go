/*
Package billing provides the settlement core for property inspections.

PURPOSE:
  This package decides, for fixed-length billing periods, which completed
  inspections earn an agent 15% cashback and a clerk 30% commission, keeps
  a ledger of settled periods so no inspection is ever paid twice, and
  assembles invoices when a period closes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal value with a currency (e.g., £49.50)
  - Identifiers: Type-safe ids for inspections, properties and users

DESIGN PRINCIPLES:
  1. Explicit state: every function receives inspections, ledger and
     pricing as parameters. Nothing is held in package globals.
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Late rounding: values are rounded to pennies only when an invoice
     line is created or a total is displayed
  4. Immutability: settled periods and invoices are never edited

USAGE:
  price := billing.GBP(100)
  cashback := price.Mul(billing.RoleAgent.Rate()) // 15.00, unrounded

SEE ALSO:
  - period.go: Billing period calculator
  - accrual.go: Cashback/commission accrual engine
  - invoice.go: Invoice assembler
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal value with currency
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const (
	CurrencyGBP Currency = "GBP"

	// DefaultCurrency is used when a Money is built without one.
	DefaultCurrency = CurrencyGBP
)

// PennyPlaces is the number of decimal places used for display and invoices.
const PennyPlaces int32 = 2

func NewMoney(value float64, currency Currency) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromString(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money value %q: %w", s, err)
	}
	return Money{Value: d, Currency: currency}, nil
}

// GBP is shorthand used heavily in tests and defaults.
func GBP(value float64) Money { return NewMoney(value, CurrencyGBP) }

func ZeroMoney(currency Currency) Money { return Money{Value: decimal.Zero, Currency: currency} }

func (m Money) Zero() Money { return Money{Value: decimal.Zero, Currency: m.Currency} }

// Add and Sub do not convert between currencies. A deployment prices
// everything in one currency, enforced where pricing enters the system
// (factory.PricingFactory.Build).
func (m Money) Add(o Money) Money            { return Money{Value: m.Value.Add(o.Value), Currency: m.currencyOr(o)} }
func (m Money) Sub(o Money) Money            { return Money{Value: m.Value.Sub(o.Value), Currency: m.currencyOr(o)} }
func (m Money) Mul(s decimal.Decimal) Money  { return Money{Value: m.Value.Mul(s), Currency: m.Currency} }
func (m Money) IsZero() bool                 { return m.Value.IsZero() }
func (m Money) IsNegative() bool             { return m.Value.IsNegative() }
func (m Money) IsPositive() bool             { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool           { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool     { return m.Value.GreaterThan(o.Value) }

// Round returns the value rounded to pennies (half away from zero).
// Only call this at display or invoice-line time.
func (m Money) Round() Money {
	return Money{Value: m.Value.Round(PennyPlaces), Currency: m.Currency}
}

// String renders the rounded value, e.g. "49.50 GBP".
func (m Money) String() string {
	return m.Value.StringFixed(PennyPlaces) + " " + string(m.Currency)
}

// currencyOr lets a zero-value accumulator pick up the currency of the
// first value added to it.
func (m Money) currencyOr(o Money) Currency {
	if m.Currency == "" {
		return o.Currency
	}
	return m.Currency
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InspectionID string
type PropertyID string
type UserID string
type InvoiceID string

// BillerID identifies the party being paid: an agent (cashback) or a
// clerk (commission). It shares the user id space.
type BillerID = UserID
