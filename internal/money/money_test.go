package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     int64
	}{
		{name: "two decimals", amount: "250.00", currency: "USD", want: 25000},
		{name: "no decimals", amount: "1000", currency: "USD", want: 100000},
		{name: "one decimal", amount: "0.5", currency: "EUR", want: 50},
		{name: "zero exponent", amount: "1200", currency: "JPY", want: 1200},
		{name: "three decimals", amount: "1.234", currency: "KWD", want: 1234},
		{name: "whitespace", amount: " 12.34 ", currency: "usd", want: 1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToMinor(tt.amount, tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToMinor_RejectsSubMinorPrecision(t *testing.T) {
	_, err := ToMinor("0.001", "USD")
	assert.ErrorIs(t, err, ErrPrecision)

	_, err = ToMinor("1.5", "JPY")
	assert.ErrorIs(t, err, ErrPrecision)
}

func TestToMinor_RejectsGarbage(t *testing.T) {
	_, err := ToMinor("ten dollars", "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ToMinor("1e30", "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "750.00", Format(75000, "USD"))
	assert.Equal(t, "0.05", Format(5, "USD"))
	assert.Equal(t, "1200", Format(1200, "JPY"))
}
