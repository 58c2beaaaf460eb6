package decimals

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryForMarket(t *testing.T) {
	r := New("arbitrum")
	require.NoError(t, r.Load(map[string]int{
		"USDC":          6,
		"arbitrum:WBTC": 8,
		"base:USDC":     6,
	}))

	tests := []struct {
		market    string
		wantQuote int
		wantBase  int
	}{
		{market: "WBTC-USDC", wantQuote: 6, wantBase: 8},
		{market: "ETH/USDC", wantQuote: 6, wantBase: Default},
		{market: "base:ETH-USDC", wantQuote: 6, wantBase: Default},
		{market: "BASE:wbtc_usdc", wantQuote: 6, wantBase: Default},
		{market: "weth-dai", wantQuote: Default, wantBase: Default},
	}

	for _, tc := range tests {
		t.Run(tc.market, func(t *testing.T) {
			quote, base, err := r.ForMarket(tc.market)
			require.NoError(t, err)
			require.Equal(t, tc.wantQuote, quote)
			require.Equal(t, tc.wantBase, base)
		})
	}
}

func TestRegistryRejectsInvalidMarkets(t *testing.T) {
	r := New("arbitrum")
	for _, market := range []string{"", "ETHUSDC", "ETH-", "-USDC", "A-B-C"} {
		_, _, err := r.ForMarket(market)
		require.ErrorIs(t, err, ErrInvalidMarket, market)
	}
}

func TestRegistryFallback(t *testing.T) {
	r := New("arbitrum", WithFallback(9))
	n, ok := r.Lookup("arbitrum", "XYZ")
	require.False(t, ok)
	require.Equal(t, 9, n)

	r.Set("Arbitrum", " xyz ", 4)
	n, ok = r.Lookup("arbitrum", "XYZ")
	require.True(t, ok)
	require.Equal(t, 4, n)
	require.Equal(t, "arbitrum:XYZ=4", r.String())
}

func TestRegistryLoadValidates(t *testing.T) {
	r := New("arbitrum")
	err := r.Load(map[string]int{"USDC": -1, "arbitrum:": 6})
	require.Error(t, err)
	_, ok := r.Lookup("arbitrum", "USDC")
	require.False(t, ok)
}
