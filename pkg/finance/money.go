// Package finance holds the monetary value type shared by mandate payloads.
package finance

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a request does not name one.
const DefaultCurrency = "USD"

// ErrOverflow reports an amount outside the int64 minor-unit range.
var ErrOverflow = errors.New("finance: amount overflows")

// Money is an amount in integer minor units of Currency.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // e.g. 2 for USD/EUR, 0 for JPY
}

// scaleFor returns the number of minor-unit digits for a currency.
func scaleFor(currency string) int {
	switch currency {
	case "JPY", "KRW":
		return 0
	case "BTC", "ETH":
		return 8
	default:
		return 2
	}
}

// NewMoney creates a new Money instance from minor units.
func NewMoney(amountMinor int64, currency string) Money {
	currency = normalizeCurrency(currency)
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
		Scale:       scaleFor(currency),
	}
}

// ParseMoney converts a decimal major-unit amount ("12.34") into Money.
// Amounts with more fractional digits than the currency allows are rejected
// rather than rounded.
func ParseMoney(amount decimal.Decimal, currency string) (Money, error) {
	currency = normalizeCurrency(currency)
	scale := scaleFor(currency)

	if amount.IsNegative() {
		return Money{}, fmt.Errorf("amount must not be negative: %s", amount.String())
	}
	shifted := amount.Shift(int32(scale))
	if !shifted.Equal(shifted.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %s has more than %d decimal places for %s", amount.String(), scale, currency)
	}
	if shifted.GreaterThan(decimal.NewFromInt(1 << 53)) {
		return Money{}, fmt.Errorf("amount %s is out of range", amount.String())
	}
	return Money{
		AmountMinor: shifted.IntPart(),
		Currency:    currency,
		Scale:       scale,
	}, nil
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return DefaultCurrency
	}
	return currency
}

// Add sums two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, ErrOverflow
	}
	return Money{AmountMinor: sum, Currency: m.Currency, Scale: m.Scale}, nil
}

// Mul scales the amount by a non-negative quantity.
func (m Money) Mul(qty int64) (Money, error) {
	if qty < 0 {
		return Money{}, fmt.Errorf("negative quantity %d", qty)
	}
	if qty != 0 && (m.AmountMinor > math.MaxInt64/qty || m.AmountMinor < math.MinInt64/qty) {
		return Money{}, ErrOverflow
	}
	return Money{AmountMinor: m.AmountMinor * qty, Currency: m.Currency, Scale: m.Scale}, nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -int32(m.Scale))
}

func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

func (m Money) String() string {
	return m.Decimal().StringFixed(int32(m.Scale)) + " " + m.Currency
}
