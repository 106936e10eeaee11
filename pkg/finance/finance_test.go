package finance

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_Add(t *testing.T) {
	m1 := NewMoney(100, "USD")
	m2 := NewMoney(50, "USD")

	sum, err := m1.Add(m2)
	require.NoError(t, err)
	assert.Equal(t, int64(150), sum.AmountMinor)
}

func TestMoney_Add_Mismatch(t *testing.T) {
	m1 := NewMoney(100, "USD")
	m2 := NewMoney(50, "EUR")

	_, err := m1.Add(m2)
	assert.Error(t, err)
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     int64
		wantErr  bool
	}{
		{"whole dollars", "90", "usd", 9000, false},
		{"cents", "75.00", "", 7500, false},
		{"one cent", "0.01", "USD", 1, false},
		{"yen has no minor unit", "1200", "JPY", 1200, false},
		{"too precise", "10.001", "USD", 0, true},
		{"yen fraction", "1.5", "JPY", 0, true},
		{"negative", "-1", "USD", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMoney(decimal.RequireFromString(tt.amount), tt.currency)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.AmountMinor)
		})
	}
}

func TestMoney_DecimalRoundTrip(t *testing.T) {
	m := NewMoney(12345, "USD")
	assert.True(t, m.Decimal().Equal(decimal.RequireFromString("123.45")))
	assert.Equal(t, "123.45 USD", m.String())
}

func TestMoney_Overflow(t *testing.T) {
	line, err := NewMoney(185, "USD").Mul(2)
	require.NoError(t, err)
	assert.Equal(t, int64(370), line.AmountMinor)

	_, err = NewMoney(math.MaxInt64/2+1, "USD").Mul(2)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = NewMoney(math.MaxInt64, "USD").Add(NewMoney(1, "USD"))
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = NewMoney(1, "USD").Mul(-1)
	assert.Error(t, err)
}
