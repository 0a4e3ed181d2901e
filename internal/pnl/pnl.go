// Package pnl implements the PnL Aggregator: it summarizes a
// position's ledger tail plus two live contract reads (the pool's
// global fee growth and tick state, the position manager's last-seen
// fee growth) into current value, realized and unrealized PnL,
// collected and unclaimed fees.
package pnl

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/blackhole-labs/position-ledger/internal/ammmath"
	"github.com/blackhole-labs/position-ledger/internal/chain"
	"github.com/blackhole-labs/position-ledger/internal/chainreg"
	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/model"
	"github.com/blackhole-labs/position-ledger/internal/store"
)

// CalcVersion is stamped on every summary this aggregator computes.
const CalcVersion = 1

const poolFeeGrowthABIJson = `[
{"inputs":[],"name":"slot0","outputs":[
 {"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
 {"internalType":"int24","name":"tick","type":"int24"},
 {"internalType":"uint16","name":"observationIndex","type":"uint16"},
 {"internalType":"uint16","name":"observationCardinality","type":"uint16"},
 {"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},
 {"internalType":"uint8","name":"feeProtocol","type":"uint8"},
 {"internalType":"bool","name":"unlocked","type":"bool"}],
 "stateMutability":"view","type":"function"},
{"inputs":[],"name":"feeGrowthGlobal0X128","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"feeGrowthGlobal1X128","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"int24","name":"tick","type":"int24"}],"name":"ticks","outputs":[
 {"internalType":"uint128","name":"liquidityGross","type":"uint128"},
 {"internalType":"int128","name":"liquidityNet","type":"int128"},
 {"internalType":"uint256","name":"feeGrowthOutside0X128","type":"uint256"},
 {"internalType":"uint256","name":"feeGrowthOutside1X128","type":"uint256"},
 {"internalType":"int56","name":"tickCumulativeOutside","type":"int56"},
 {"internalType":"uint160","name":"secondsPerLiquidityOutsideX128","type":"uint160"},
 {"internalType":"uint32","name":"secondsOutside","type":"uint32"},
 {"internalType":"bool","name":"initialized","type":"bool"}],
 "stateMutability":"view","type":"function"}]`

const positionManagerABIJson = `[{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"positions","outputs":[
 {"internalType":"uint96","name":"nonce","type":"uint96"},
 {"internalType":"address","name":"operator","type":"address"},
 {"internalType":"address","name":"token0","type":"address"},
 {"internalType":"address","name":"token1","type":"address"},
 {"internalType":"uint24","name":"fee","type":"uint24"},
 {"internalType":"int24","name":"tickLower","type":"int24"},
 {"internalType":"int24","name":"tickUpper","type":"int24"},
 {"internalType":"uint128","name":"liquidity","type":"uint128"},
 {"internalType":"uint256","name":"feeGrowthInside0LastX128","type":"uint256"},
 {"internalType":"uint256","name":"feeGrowthInside1LastX128","type":"uint256"},
 {"internalType":"uint128","name":"tokensOwed0","type":"uint128"},
 {"internalType":"uint128","name":"tokensOwed1","type":"uint128"}],
 "stateMutability":"view","type":"function"}]`

var (
	poolABI *abi.ABI
	npmABI  *abi.ABI
)

func init() {
	p, err := abi.JSON(strings.NewReader(poolFeeGrowthABIJson))
	if err != nil {
		panic("pnl: invalid embedded pool ABI: " + err.Error())
	}
	poolABI = &p

	n, err := abi.JSON(strings.NewReader(positionManagerABIJson))
	if err != nil {
		panic("pnl: invalid embedded position manager ABI: " + err.Error())
	}
	npmABI = &n
}

// Aggregator is the production PnL Aggregator.
type Aggregator struct {
	store   *store.Store
	clients map[string]chain.Client
	reg     *chainreg.Registry
}

// New builds an Aggregator from its dependencies.
func New(st *store.Store, clients map[string]chain.Client, reg *chainreg.Registry) *Aggregator {
	return &Aggregator{store: st, clients: clients, reg: reg}
}

var q128 = new(big.Int).Lsh(big.NewInt(1), 128)

type slot0Result struct {
	SqrtPriceX96               *big.Int
	Tick                       *big.Int
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	FeeProtocol                uint8
	Unlocked                   bool
}

type ticksResult struct {
	LiquidityGross                 *big.Int
	LiquidityNet                   *big.Int
	FeeGrowthOutside0X128          *big.Int
	FeeGrowthOutside1X128          *big.Int
	TickCumulativeOutside          *big.Int
	SecondsPerLiquidityOutsideX128 *big.Int
	SecondsOutside                 uint32
	Initialized                    bool
}

type positionsResult struct {
	Nonce                    *big.Int
	Operator                 common.Address
	Token0                   common.Address
	Token1                   common.Address
	Fee                      *big.Int
	TickLower                *big.Int
	TickUpper                *big.Int
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

// GetPnL recomputes and persists a position's current PnL summary.
func (a *Aggregator) GetPnL(ctx context.Context, userID, chainName, protocol, nftID string) (model.PnLSummary, error) {
	position, err := a.store.GetPosition(ctx, userID, chainName, protocol, nftID)
	if err != nil {
		return model.PnLSummary{}, errs.New(errs.NotFound, "pnl.GetPnL", err)
	}
	positionID := position.ID()

	ledger, err := a.store.GetLedger(ctx, positionID)
	if err != nil {
		return model.PnLSummary{}, fmt.Errorf("pnl: GetPnL: %w", err)
	}

	state := model.ZeroState()
	collectedFees := big.NewInt(0)
	for _, row := range ledger {
		state = model.LedgerState{
			Liquidity:    row.LiquidityAfter,
			CostBasis:    row.CostBasisAfter,
			RealizedPnL:  row.RealizedPnLAfter,
			Uncollected0: row.UncollectedPrincipal0,
			Uncollected1: row.UncollectedPrincipal1,
		}
		if row.EventType == model.EventCollect && row.FeeValueInQuote != nil {
			collectedFees.Add(collectedFees, row.FeeValueInQuote)
		}
	}

	cl, ok := a.clients[chainName]
	if !ok {
		return model.PnLSummary{}, errs.New(errs.NotFound, "pnl.GetPnL", fmt.Errorf("no chain client registered for %q", chainName))
	}
	entry, err := a.reg.Get(chainName)
	if err != nil {
		return model.PnLSummary{}, fmt.Errorf("pnl: GetPnL: %w", err)
	}

	poolAddr := common.HexToAddress(position.Pool.Address)

	var slot0 slot0Result
	if err := cl.Call(ctx, poolAddr, poolABI, "slot0", &slot0); err != nil {
		return model.PnLSummary{}, fmt.Errorf("pnl: GetPnL: slot0: %w", err)
	}
	currentSqrtPriceX96, overflow := uint256.FromBig(slot0.SqrtPriceX96)
	if overflow {
		return model.PnLSummary{}, fmt.Errorf("pnl: GetPnL: sqrtPriceX96 overflows u256")
	}
	currentTick := int32(slot0.Tick.Int64())

	amount0, amount1, err := ammmath.AmountsFromLiquidity(state.Liquidity, currentTick, position.TickLower, position.TickUpper)
	if err != nil {
		return model.PnLSummary{}, fmt.Errorf("pnl: GetPnL: amounts: %w", err)
	}
	currentValue := ammmath.TokenValueInQuote(amount0, amount1, currentSqrtPriceX96, position.Token0IsQuote)

	unrealizedPnL := new(big.Int).Sub(currentValue, state.CostBasis)

	unclaimedFees, err := a.unclaimedFees(ctx, cl, entry, poolAddr, nftID, position, currentTick, currentSqrtPriceX96)
	if err != nil {
		return model.PnLSummary{}, fmt.Errorf("pnl: GetPnL: unclaimed fees: %w", err)
	}

	totalPnL := new(big.Int).Add(unrealizedPnL, state.RealizedPnL)
	totalPnL.Add(totalPnL, collectedFees)
	totalPnL.Add(totalPnL, unclaimedFees)

	summary := model.PnLSummary{
		PositionID:       positionID,
		CurrentValue:     currentValue,
		CurrentCostBasis: state.CostBasis,
		RealizedPnL:      state.RealizedPnL,
		CollectedFees:    collectedFees,
		UnclaimedFees:    unclaimedFees,
		UnrealizedPnL:    unrealizedPnL,
		TotalPnL:         totalPnL,
	}

	if err := a.store.UpsertPnL(ctx, positionID, summary, CalcVersion); err != nil {
		return model.PnLSummary{}, fmt.Errorf("pnl: GetPnL: upsert: %w", err)
	}
	return summary, nil
}

// unclaimedFees implements "present uncollected fee growth in the pool
// less the position's last-seen fee_growth_inside" using Uniswap v3's
// standard off-chain fee accrual formula: feeGrowthInside is derived
// from the pool's global fee growth and the two boundary ticks'
// feeGrowthOutside, then compared against the position manager's
// last-recorded feeGrowthInside plus any already-poked tokensOwed.
func (a *Aggregator) unclaimedFees(ctx context.Context, cl chain.Client, entry chainreg.ChainEntry, poolAddr common.Address, nftID string, position *model.Position, currentTick int32, currentSqrtPriceX96 *uint256.Int) (*big.Int, error) {
	var global0, global1 *big.Int
	if err := cl.Call(ctx, poolAddr, poolABI, "feeGrowthGlobal0X128", &global0); err != nil {
		return nil, fmt.Errorf("feeGrowthGlobal0X128: %w", err)
	}
	if err := cl.Call(ctx, poolAddr, poolABI, "feeGrowthGlobal1X128", &global1); err != nil {
		return nil, fmt.Errorf("feeGrowthGlobal1X128: %w", err)
	}

	var lowerTicks, upperTicks ticksResult
	if err := cl.Call(ctx, poolAddr, poolABI, "ticks", &lowerTicks, big.NewInt(int64(position.TickLower))); err != nil {
		return nil, fmt.Errorf("ticks(lower): %w", err)
	}
	if err := cl.Call(ctx, poolAddr, poolABI, "ticks", &upperTicks, big.NewInt(int64(position.TickUpper))); err != nil {
		return nil, fmt.Errorf("ticks(upper): %w", err)
	}

	feeGrowthInside0 := feeGrowthInside(global0, lowerTicks.FeeGrowthOutside0X128, upperTicks.FeeGrowthOutside0X128, currentTick, position.TickLower, position.TickUpper)
	feeGrowthInside1 := feeGrowthInside(global1, lowerTicks.FeeGrowthOutside1X128, upperTicks.FeeGrowthOutside1X128, currentTick, position.TickLower, position.TickUpper)

	nftIDBig, ok := new(big.Int).SetString(nftID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nft id %q", nftID)
	}
	positionManager := common.HexToAddress(entry.PositionManagerAddr)
	var pos positionsResult
	if err := cl.Call(ctx, positionManager, npmABI, "positions", &pos, nftIDBig); err != nil {
		return nil, fmt.Errorf("positions(%s): %w", nftID, err)
	}

	liquidity := pos.Liquidity
	fee0 := feeOwed(feeGrowthInside0, pos.FeeGrowthInside0LastX128, liquidity, pos.TokensOwed0)
	fee1 := feeOwed(feeGrowthInside1, pos.FeeGrowthInside1LastX128, liquidity, pos.TokensOwed1)

	fee0u, _ := uint256.FromBig(fee0)
	fee1u, _ := uint256.FromBig(fee1)
	return ammmath.TokenValueInQuote(fee0u, fee1u, currentSqrtPriceX96, position.Token0IsQuote), nil
}

// feeGrowthInside computes the position-range fee growth accumulator
// from the pool's global growth and the two boundary ticks'
// feeGrowthOutside, following the "below"/"above" split of Uniswap
// v3-core's Tick.getFeeGrowthInside.
func feeGrowthInside(global, lowerOutside, upperOutside *big.Int, tickCurrent, tickLower, tickUpper int32) *big.Int {
	var below *big.Int
	if tickCurrent >= tickLower {
		below = new(big.Int).Set(lowerOutside)
	} else {
		below = new(big.Int).Sub(global, lowerOutside)
	}

	var above *big.Int
	if tickCurrent < tickUpper {
		above = new(big.Int).Set(upperOutside)
	} else {
		above = new(big.Int).Sub(global, upperOutside)
	}

	inside := new(big.Int).Sub(global, below)
	inside.Sub(inside, above)
	return inside
}

// feeOwed converts a fee-growth delta and a liquidity amount into an
// owed token quantity, adding any amount already poked into
// tokensOwed by a prior liquidity change or partial collect.
func feeOwed(feeGrowthInsideNow, feeGrowthInsideLast, liquidity, tokensOwed *big.Int) *big.Int {
	delta := new(big.Int).Sub(feeGrowthInsideNow, feeGrowthInsideLast)
	if delta.Sign() < 0 {
		delta = big.NewInt(0)
	}
	accrued := new(big.Int).Mul(delta, liquidity)
	accrued.Div(accrued, q128)
	return accrued.Add(accrued, tokensOwed)
}
