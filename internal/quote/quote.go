// Package quote implements the Quote-Token Resolver: a pure function
// choosing which side of a pool all monetary figures are
// denominated in. It has no chain/storage dependency, matching the
// "pure function, frozen at position creation" design note — a plain
// package function is the idiomatic shape here, the same way the
// teacher keeps pkg/util as small, dependency-free helper functions.
package quote

import "strings"

// stablecoins is the recognized stablecoin symbol set, checked
// case-insensitively since token metadata providers are inconsistent
// about casing.
var stablecoins = map[string]struct{}{
	"USDC": {}, "USDT": {}, "DAI": {}, "FRAX": {}, "BUSD": {}, "LUSD": {},
}

func isStablecoin(symbol string) bool {
	_, ok := stablecoins[strings.ToUpper(symbol)]
	return ok
}

// Token0IsQuote applies the resolver's stablecoin-then-wrapped-native
// precedence rule and returns true when token0 is the quote side of
// the pool.
func Token0IsQuote(token0Symbol, token1Symbol, wrappedNativeAddr, token0Addr, token1Addr string) bool {
	switch {
	case isStablecoin(token0Symbol):
		return true
	case isStablecoin(token1Symbol):
		return false
	case strings.EqualFold(token0Addr, wrappedNativeAddr):
		return true
	case strings.EqualFold(token1Addr, wrappedNativeAddr):
		return false
	default:
		return true
	}
}
