package fixedpoint

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToDecimal(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		decimals int
		want     string
	}{
		{name: "eighteen decimals", raw: "1500000000000000000", decimals: 18, want: "1.5"},
		{name: "six decimals whole", raw: "1000000", decimals: 6, want: "1"},
		{name: "empty", raw: "", decimals: 18, want: "0"},
		{name: "zero", raw: "0", decimals: 6, want: "0"},
		{name: "zero decimals", raw: "12345", decimals: 0, want: "12345"},
		{name: "shorter than decimals", raw: "5", decimals: 3, want: "0.005"},
		{name: "exactly decimals long", raw: "123", decimals: 3, want: "0.123"},
		{name: "trailing zeros trimmed", raw: "1230000", decimals: 6, want: "1.23"},
		{name: "beyond uint64", raw: "123456789012345678901234567890", decimals: 18, want: "123456789012.34567890123456789"},
		{name: "leading zeros", raw: "000250", decimals: 2, want: "2.5"},
		{name: "negative", raw: "-2500", decimals: 3, want: "-2.5"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ToDecimal(tc.raw, tc.decimals))
		})
	}
}

func TestToDecimalPanicsOnMalformedInput(t *testing.T) {
	require.Panics(t, func() { ToDecimal("12a4", 6) })
	require.Panics(t, func() { ToDecimal("1.5", 6) })
	require.Panics(t, func() { ToDecimal("1", -1) })
}

func TestParseRawRejectsMalformedInput(t *testing.T) {
	_, err := ParseRaw("abc", 6)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseRaw("", 6)
	require.ErrorIs(t, err, ErrEmpty)

	d, err := ParseRaw("2000000", 6)
	require.NoError(t, err)
	require.Equal(t, "2", d.String())
}

func TestRoundTripPreservesValue(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(40), nil)

	for i := 0; i < 500; i++ {
		n := new(big.Int).Rand(rng, limit)
		for d := 0; d <= 18; d++ {
			dec := ToDecimal(n.String(), d)
			back, err := FromDecimal(dec, d)
			require.NoError(t, err)
			require.Equal(t, n.String(), back, "decimals=%d dec=%s", d, dec)
		}
	}
}

func TestFromDecimalRejectsExcessPrecision(t *testing.T) {
	_, err := FromDecimal("1.0000001", 6)
	require.ErrorIs(t, err, ErrTooPrecise)

	out, err := FromDecimal("1.5", 18)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", out)
}

func TestFormatDisplay(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "1.23456", max: 2, want: "1.23"},
		{in: "1.235", max: 2, want: "1.24"},
		{in: "1.5000", max: 4, want: "1.5"},
		{in: "2.0001", max: 2, want: "2"},
		{in: "0.0004", max: 3, want: "0"},
		{in: "42", max: 0, want: "42"},
		{in: "not-a-number", max: 2, want: "not-a-number"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.want, FormatDisplay(tc.in, tc.max))
		})
	}
}

func TestAmountDecimal(t *testing.T) {
	d, err := Raw("2500000").Decimal(6)
	require.NoError(t, err)
	require.Equal(t, "2.5", d.String())

	d, err = Dec("2.5").Decimal(6)
	require.NoError(t, err)
	require.Equal(t, "2.5", d.String())

	_, err = Amount{Value: "1"}.Decimal(6)
	require.ErrorIs(t, err, ErrUnknownUnit)

	norm, err := Raw("1000").Normalize(3)
	require.NoError(t, err)
	require.Equal(t, Dec("1"), norm)
}
