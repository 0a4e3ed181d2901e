// Package curve implements the Curve Cache: a discrete PnL-vs-price
// curve sampled at 25 points over a position's tick range
// expanded by 20% on each side, cached as an opaque blob keyed by
// position and invalidated by pool-state/calc_version changes. Points
// are sampled independently, so golang.org/x/sync/errgroup fans the
// per-point math out the same way the pack's hot paths use errgroup/
// singleflight for independent concurrent work.
package curve

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/blackhole-labs/position-ledger/internal/ammmath"
	"github.com/blackhole-labs/position-ledger/internal/chain"
	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/model"
	"github.com/blackhole-labs/position-ledger/internal/store"
)

// CalcVersion is stamped on every curve this cache computes.
const CalcVersion = 1

const samplePoints = 25
const rangeExpansion = 1.2

const slot0ABIJson = `[{"inputs":[],"name":"slot0","outputs":[
{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
{"internalType":"int24","name":"tick","type":"int24"},
{"internalType":"uint16","name":"observationIndex","type":"uint16"},
{"internalType":"uint16","name":"observationCardinality","type":"uint16"},
{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},
{"internalType":"uint8","name":"feeProtocol","type":"uint8"},
{"internalType":"bool","name":"unlocked","type":"bool"}],
"stateMutability":"view","type":"function"}]`

var poolABI *abi.ABI

func init() {
	a, err := abi.JSON(strings.NewReader(slot0ABIJson))
	if err != nil {
		panic("curve: invalid embedded pool ABI: " + err.Error())
	}
	poolABI = &a
}

type slot0Result struct {
	SqrtPriceX96               *big.Int
	Tick                       *big.Int
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	FeeProtocol                uint8
	Unlocked                   bool
}

var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// Cache is the production Curve Cache.
type Cache struct {
	store   *store.Store
	clients map[string]chain.Client
}

// New builds a Cache from its dependencies.
func New(st *store.Store, clients map[string]chain.Client) *Cache {
	return &Cache{store: st, clients: clients}
}

// GetCurve returns a position's PnL-vs-price curve, reusing the cached
// copy when it is still valid for the pool's current sqrt price and
// CalcVersion, and recomputing (then caching) it otherwise.
func (c *Cache) GetCurve(ctx context.Context, userID, chainName, protocol, nftID string) (model.Curve, error) {
	position, err := c.store.GetPosition(ctx, userID, chainName, protocol, nftID)
	if err != nil {
		return model.Curve{}, errs.New(errs.NotFound, "curve.GetCurve", err)
	}
	positionID := position.ID()

	ledger, err := c.store.GetLedger(ctx, positionID)
	if err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: %w", err)
	}
	liquidity := uint256.NewInt(0)
	costBasis := big.NewInt(0)
	for _, row := range ledger {
		liquidity = row.LiquidityAfter
		costBasis = row.CostBasisAfter
	}

	cl, ok := c.clients[chainName]
	if !ok {
		return model.Curve{}, errs.New(errs.NotFound, "curve.GetCurve", fmt.Errorf("no chain client registered for %q", chainName))
	}
	pool, err := c.store.GetPool(ctx, chainName, position.Pool.Address)
	if err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: pool: %w", err)
	}
	tickSpacing := pool.TickSpacing
	if tickSpacing <= 0 {
		tickSpacing = 1
	}

	var slot0 slot0Result
	if err := cl.Call(ctx, common.HexToAddress(position.Pool.Address), poolABI, "slot0", &slot0); err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: slot0: %w", err)
	}
	currentSqrtPriceX96, overflow := uint256.FromBig(slot0.SqrtPriceX96)
	if overflow {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: sqrtPriceX96 overflows u256")
	}
	currentTick := int32(slot0.Tick.Int64())

	if cached, ok, err := c.store.GetCurve(ctx, positionID); err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: cache lookup: %w", err)
	} else if ok && cached.IsValid && cached.PnLCacheVersion == CalcVersion && cached.PoolSqrtPriceX96.Eq(currentSqrtPriceX96) {
		return cached, nil
	}

	sqrtLower, err := ammmath.TickToSqrtRatioX96(position.TickLower)
	if err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: %w", err)
	}
	sqrtUpper, err := ammmath.TickToSqrtRatioX96(position.TickUpper)
	if err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: %w", err)
	}
	lowerRatio, _ := ratioAsFloat(sqrtLower).Float64()
	upperRatio, _ := ratioAsFloat(sqrtUpper).Float64()
	lowerBound := lowerRatio / rangeExpansion
	upperBound := upperRatio * rangeExpansion

	points := make([]model.CurvePoint, samplePoints)
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < samplePoints; i++ {
		i := i
		g.Go(func() error {
			t := float64(i) / float64(samplePoints-1)
			priceF := lowerBound * math.Pow(upperBound/lowerBound, t)
			price := big.NewFloat(priceF)

			sqrtAtPrice := floatRatioToSqrtX96(price)
			tick, err := ammmath.SqrtRatioToTick(sqrtAtPrice)
			if err != nil {
				return fmt.Errorf("tick at sample %d: %w", i, err)
			}
			snapped := snapToSpacing(tick, tickSpacing)
			if snapped < ammmath.MinTick {
				snapped = ammmath.MinTick
			}
			if snapped > ammmath.MaxTick {
				snapped = ammmath.MaxTick
			}
			snappedSqrt, err := ammmath.TickToSqrtRatioX96(snapped)
			if err != nil {
				return err
			}

			amount0, amount1, err := ammmath.AmountsFromLiquidity(liquidity, snapped, position.TickLower, position.TickUpper)
			if err != nil {
				return fmt.Errorf("amounts at sample %d: %w", i, err)
			}
			value := ammmath.TokenValueInQuote(amount0, amount1, snappedSqrt, position.Token0IsQuote)
			pnl := new(big.Int).Sub(value, costBasis)

			points[i] = model.CurvePoint{Price: price, Tick: snapped, PnL: pnl}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: %w", err)
	}

	curve := model.Curve{
		PositionID:       positionID,
		Points:           points,
		PoolTick:         currentTick,
		PoolSqrtPriceX96: currentSqrtPriceX96,
		PnLCacheVersion:  CalcVersion,
		IsValid:          true,
	}
	if err := c.store.UpsertCurve(ctx, curve); err != nil {
		return model.Curve{}, fmt.Errorf("curve: GetCurve: upsert: %w", err)
	}
	return curve, nil
}

// snapToSpacing rounds tick to the nearest multiple of spacing.
func snapToSpacing(tick, spacing int32) int32 {
	if spacing <= 0 {
		return tick
	}
	q := tick / spacing
	r := tick % spacing
	if r == 0 {
		return tick
	}
	if tick > 0 {
		if r*2 >= spacing {
			q++
		}
	} else if -r*2 >= spacing {
		q--
	}
	return q * spacing
}

// ratioAsFloat converts a sqrtX96 into the raw token1-per-token0 ratio
// it represents, with no decimals adjustment (pools track raw integer
// reserves).
func ratioAsFloat(sqrtX96 *uint256.Int) *big.Float {
	sq := new(big.Int).Mul(sqrtX96.ToBig(), sqrtX96.ToBig())
	f := new(big.Float).SetPrec(200).SetInt(sq)
	denom := new(big.Float).SetPrec(200).SetInt(q192)
	return f.Quo(f, denom)
}

// floatRatioToSqrtX96 is the inverse of ratioAsFloat.
func floatRatioToSqrtX96(ratio *big.Float) *uint256.Int {
	scaled := new(big.Float).SetPrec(200).Mul(ratio, new(big.Float).SetPrec(200).SetInt(q192))
	scaled.Sqrt(scaled)
	i, _ := scaled.Int(nil)
	out, _ := uint256.FromBig(i)
	return out
}
