package quote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken0IsQuote(t *testing.T) {
	const weth = "0xweth"
	cases := []struct {
		name           string
		token0, token1 string
		token0Addr     string
		token1Addr     string
		want           bool
	}{
		{"token0 stablecoin wins", "USDC", "WETH", "0xusdc", weth, true},
		{"token1 stablecoin wins", "WETH", "usdt", "0xweth2", "0xusdt", false},
		{"both stablecoins, token0 wins first", "DAI", "USDC", "0xdai", "0xusdc", true},
		{"token0 is wrapped native", "FOO", "BAR", weth, "0xbar", true},
		{"token1 is wrapped native", "FOO", "BAR", "0xfoo", weth, false},
		{"neither stablecoin nor native, defaults token0", "FOO", "BAR", "0xfoo", "0xbar", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Token0IsQuote(tc.token0, tc.token1, weth, tc.token0Addr, tc.token1Addr)
			assert.Equal(t, tc.want, got, "Token0IsQuote(%q, %q)", tc.token0, tc.token1)
		})
	}
}

func TestToken0IsQuoteAddressComparisonIsCaseInsensitive(t *testing.T) {
	assert.True(t, Token0IsQuote("FOO", "BAR", "0xABCDEF", "0xabcdef", "0xother"), "expected wrapped-native address match to be case-insensitive")
}
