// Package ammmath implements the Q64.96 fixed-point conversions and
// liquidity/amount formulas for concentrated-liquidity positions.
// Tick/sqrt-ratio conversions and the three-regime amount split wrap
// github.com/daoleno/uniswapv3-sdk/utils, the same library the pack's
// concentrated-liquidity reference implementation
// (johnayoung/go-crypto-quant-toolkit) wraps for identical math,
// rather than re-deriving Uniswap's bit-exact tick math by hand.
// liquidity_from_amount{0,1} and the price-scaling helpers are
// implemented directly against uint256/big.Int, since the spec's
// rounding directions (floor-for-mint, exact-at-boundaries) are a
// handful of lines simpler to state directly than to adapt from the
// SDK's input-amount-oriented helpers.
package ammmath

import (
	"fmt"
	"math/big"

	uniutils "github.com/daoleno/uniswapv3-sdk/utils"
	"github.com/holiman/uint256"
)

// MinTick and MaxTick bound the usable tick range (Uniswap v3 constants).
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var q192 = new(big.Int).Lsh(big.NewInt(1), 192)
var q96Big = new(big.Int).Lsh(big.NewInt(1), 96)

// TickToSqrtRatioX96 returns the Q64.96 sqrt price at a tick boundary.
func TickToSqrtRatioX96(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("ammmath: tick %d out of range [%d,%d]", tick, MinTick, MaxTick)
	}
	r, err := uniutils.GetSqrtRatioAtTick(int(tick))
	if err != nil {
		return nil, fmt.Errorf("ammmath: GetSqrtRatioAtTick(%d): %w", tick, err)
	}
	out, overflow := uint256.FromBig(r)
	if overflow {
		return nil, fmt.Errorf("ammmath: sqrt ratio at tick %d overflows u256", tick)
	}
	return out, nil
}

// SqrtRatioToTick returns the tick whose sqrt-ratio-at-tick is the
// largest value not exceeding sqrtX96 (the SDK's convention, matching
// Uniswap v3-core's TickMath.getTickAtSqrtRatio). The sqrt ratio at
// MaxTick, which getTickAtSqrtRatio rejects, maps to MaxTick.
func SqrtRatioToTick(sqrtX96 *uint256.Int) (int32, error) {
	if maxSqrt, err := TickToSqrtRatioX96(MaxTick); err == nil && sqrtX96.Eq(maxSqrt) {
		return MaxTick, nil
	}
	tick, err := uniutils.GetTickAtSqrtRatio(sqrtX96.ToBig())
	if err != nil {
		return 0, fmt.Errorf("ammmath: GetTickAtSqrtRatio: %w", err)
	}
	return int32(tick), nil
}

// SqrtRatioToPrice1Per0 returns token1-per-token0, scaled to
// 10^decimals1 units: (sqrtX96^2 * 10^decimals0) / 2^192.
func SqrtRatioToPrice1Per0(sqrtX96 *uint256.Int, decimals0 uint8) *big.Int {
	sq := new(big.Int).Mul(sqrtX96.ToBig(), sqrtX96.ToBig())
	sq.Mul(sq, pow10(decimals0))
	return sq.Div(sq, q192)
}

// SqrtRatioToPrice0Per1 returns token0-per-token1, scaled to
// 10^decimals0 units: the reciprocal form of SqrtRatioToPrice1Per0,
// 2^192 * 10^decimals1 / sqrtX96^2.
func SqrtRatioToPrice0Per1(sqrtX96 *uint256.Int, decimals1 uint8) *big.Int {
	sq := new(big.Int).Mul(sqrtX96.ToBig(), sqrtX96.ToBig())
	if sq.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(q192, pow10(decimals1))
	return num.Div(num, sq)
}

// TokenValueInQuote prices a (amount0, amount1) pair in raw quote-token
// base units at a pool's sqrtX96. The on-chain sqrt-price ratio already
// converts raw token0 units to raw token1 units with no decimals
// adjustment (pools track raw integer reserves, not human-scaled
// ones), so the non-quote side is converted and added to the quote
// side as-is. Rounds down.
func TokenValueInQuote(amount0, amount1 *uint256.Int, sqrtX96 *uint256.Int, token0IsQuote bool) *big.Int {
	sq := new(big.Int).Mul(sqrtX96.ToBig(), sqrtX96.ToBig())
	a0 := amount0.ToBig()
	a1 := amount1.ToBig()

	if token0IsQuote {
		if sq.Sign() == 0 {
			return new(big.Int).Set(a0)
		}
		conv := new(big.Int).Mul(a1, q192)
		conv.Div(conv, sq)
		return new(big.Int).Add(a0, conv)
	}

	conv := new(big.Int).Mul(a0, sq)
	conv.Div(conv, q192)
	return new(big.Int).Add(a1, conv)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// AmountsFromLiquidity computes the token amounts represented by
// liquidity L held over [tickLower, tickUpper] given the pool's
// current tick, per the three Uniswap v3 regimes. Rounding is floor,
// so a position never under-commits liquidity to a rounding error.
func AmountsFromLiquidity(L *uint256.Int, tickCurrent, tickLower, tickUpper int32) (amount0, amount1 *uint256.Int, err error) {
	if tickLower >= tickUpper {
		return nil, nil, fmt.Errorf("ammmath: tickLower %d must be < tickUpper %d", tickLower, tickUpper)
	}
	sqrtLower, err := TickToSqrtRatioX96(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtUpper, err := TickToSqrtRatioX96(tickUpper)
	if err != nil {
		return nil, nil, err
	}

	liq := L.ToBig()

	switch {
	case tickCurrent < tickLower:
		// Below range: entirely token0.
		a0 := uniutils.GetAmount0Delta(sqrtLower.ToBig(), sqrtUpper.ToBig(), liq, false)
		a0u, overflow := uint256.FromBig(a0)
		if overflow {
			return nil, nil, fmt.Errorf("ammmath: amount0 overflow")
		}
		return a0u, uint256.NewInt(0), nil

	case tickCurrent >= tickUpper:
		// At or above range: entirely token1.
		a1 := uniutils.GetAmount1Delta(sqrtLower.ToBig(), sqrtUpper.ToBig(), liq, false)
		a1u, overflow := uint256.FromBig(a1)
		if overflow {
			return nil, nil, fmt.Errorf("ammmath: amount1 overflow")
		}
		return uint256.NewInt(0), a1u, nil

	default:
		// In range: split at the current sqrt price.
		sqrtCurrent, err := TickToSqrtRatioX96(tickCurrent)
		if err != nil {
			return nil, nil, err
		}
		a0 := uniutils.GetAmount0Delta(sqrtCurrent.ToBig(), sqrtUpper.ToBig(), liq, false)
		a1 := uniutils.GetAmount1Delta(sqrtLower.ToBig(), sqrtCurrent.ToBig(), liq, false)
		a0u, overflow0 := uint256.FromBig(a0)
		a1u, overflow1 := uint256.FromBig(a1)
		if overflow0 || overflow1 {
			return nil, nil, fmt.Errorf("ammmath: amount overflow")
		}
		return a0u, a1u, nil
	}
}

// LiquidityFromAmount0 returns the liquidity obtainable from amount0
// of token0 over [sqrtLow, sqrtHigh]: L = amount0 * sqrtLow * sqrtHigh
// / (sqrtHigh - sqrtLow), scaled by 2^96, rounded per roundUp.
func LiquidityFromAmount0(sqrtLow, sqrtHigh *uint256.Int, amount0 *uint256.Int, roundUp bool) *uint256.Int {
	if sqrtLow.Cmp(sqrtHigh) > 0 {
		sqrtLow, sqrtHigh = sqrtHigh, sqrtLow
	}
	diff := new(big.Int).Sub(sqrtHigh.ToBig(), sqrtLow.ToBig())
	if diff.Sign() == 0 {
		return uint256.NewInt(0)
	}
	numerator := new(big.Int).Mul(amount0.ToBig(), sqrtLow.ToBig())
	numerator.Mul(numerator, sqrtHigh.ToBig())
	num96 := divRound(numerator, q96Big, roundUp)
	l := divRound(num96, diff, roundUp)
	out, _ := uint256.FromBig(l)
	return out
}

// LiquidityFromAmount1 returns the liquidity obtainable from amount1
// of token1 over [sqrtLow, sqrtHigh]: L = amount1 * 2^96 /
// (sqrtHigh - sqrtLow), rounded per roundUp.
func LiquidityFromAmount1(sqrtLow, sqrtHigh *uint256.Int, amount1 *uint256.Int, roundUp bool) *uint256.Int {
	if sqrtLow.Cmp(sqrtHigh) > 0 {
		sqrtLow, sqrtHigh = sqrtHigh, sqrtLow
	}
	diff := new(big.Int).Sub(sqrtHigh.ToBig(), sqrtLow.ToBig())
	if diff.Sign() == 0 {
		return uint256.NewInt(0)
	}
	numerator := new(big.Int).Mul(amount1.ToBig(), q96Big)
	l := divRound(numerator, diff, roundUp)
	out, _ := uint256.FromBig(l)
	return out
}

func divRound(num, den *big.Int, roundUp bool) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if roundUp && r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
