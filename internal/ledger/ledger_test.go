package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackhole-labs/position-ledger/internal/eventfetch"
	"github.com/blackhole-labs/position-ledger/internal/model"
	"github.com/blackhole-labs/position-ledger/internal/pricecache"
)

type fakePrices struct {
	sqrtX96 *uint256.Int
	tick    int32
	ts      time.Time
}

func (f fakePrices) GetSqrtPriceAt(ctx context.Context, chainName, pool string, block uint64) (pricecache.SqrtPriceAt, error) {
	return pricecache.SqrtPriceAt{SqrtPriceX96: f.sqrtX96, Tick: f.tick, BlockTimestamp: f.ts}, nil
}

func priceOneEngine() *Engine {
	sqrtPriceOne := new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	return &Engine{prices: fakePrices{sqrtX96: sqrtPriceOne, ts: time.Unix(1000, 0)}}
}

func TestComputeInputHashDeterministic(t *testing.T) {
	k := model.OrderKey{Block: 10, TransactionIdx: 2, LogIdx: 1}
	h1 := computeInputHash(k)
	h2 := computeInputHash(k)
	assert.Equal(t, h1, h2, "computeInputHash not deterministic")

	other := computeInputHash(model.OrderKey{Block: 10, TransactionIdx: 2, LogIdx: 2})
	assert.NotEqual(t, h1, other, "computeInputHash collided for distinct ordering keys")
}

func TestStubFromRawDecreaseNegatesLiquidity(t *testing.T) {
	rv := eventfetch.RawEvent{
		OrderKey:        model.OrderKey{Block: 1},
		EventType:       model.EventDecreaseLiquidity,
		TransactionHash: "0xabc",
		Liquidity:       big.NewInt(500),
		Amount0:         big.NewInt(1),
		Amount1:         big.NewInt(2),
	}
	row := stubFromRaw("pos-1", rv)
	assert.Equal(t, big.NewInt(-500), row.DeltaL, "DECREASE_LIQUIDITY delta_l")
}

func TestStubFromRawCollectZerosLiquidityDelta(t *testing.T) {
	rv := eventfetch.RawEvent{
		OrderKey:        model.OrderKey{Block: 1},
		EventType:       model.EventCollect,
		TransactionHash: "0xabc",
		Liquidity:       big.NewInt(0),
		Amount0:         big.NewInt(1),
		Amount1:         big.NewInt(2),
	}
	row := stubFromRaw("pos-1", rv)
	assert.Zero(t, row.DeltaL.Sign(), "COLLECT delta_l")
}

func TestStubFromRawIncreaseKeepsPositiveLiquidity(t *testing.T) {
	rv := eventfetch.RawEvent{
		OrderKey:        model.OrderKey{Block: 1},
		EventType:       model.EventIncreaseLiquidity,
		TransactionHash: "0xabc",
		Liquidity:       big.NewInt(300),
		Amount0:         big.NewInt(1),
		Amount1:         big.NewInt(2),
	}
	row := stubFromRaw("pos-1", rv)
	assert.Equal(t, big.NewInt(300), row.DeltaL, "INCREASE_LIQUIDITY delta_l")
}

func TestApplyEventIncreaseLiquidityAccumulatesCostBasis(t *testing.T) {
	e := priceOneEngine()
	position := &model.Position{Token0IsQuote: true, Pool: model.PoolRef{Address: "0xpool"}}
	state := model.ZeroState()

	row := model.PositionEvent{
		OrderKey:     model.OrderKey{Block: 1},
		EventType:    model.EventIncreaseLiquidity,
		DeltaL:       big.NewInt(1000),
		Token0Amount: uint256.NewInt(100),
		Token1Amount: uint256.NewInt(0),
	}
	updated, next, err := e.applyEvent(context.Background(), "ethereum", position, row, state)
	require.NoError(t, err)
	assert.True(t, updated.LiquidityAfter.Eq(uint256.NewInt(1000)), "LiquidityAfter = %s, want 1000", updated.LiquidityAfter.Dec())
	assert.Equal(t, big.NewInt(100), updated.CostBasisAfter, "CostBasisAfter")
	assert.True(t, next.Liquidity.Eq(uint256.NewInt(1000)), "next state liquidity = %s, want 1000", next.Liquidity.Dec())
}

func TestApplyEventDecreaseLiquidityRealizesProportionalPnL(t *testing.T) {
	e := priceOneEngine()
	position := &model.Position{Token0IsQuote: true, Pool: model.PoolRef{Address: "0xpool"}}
	state := model.LedgerState{
		Liquidity:    uint256.NewInt(1000),
		CostBasis:    big.NewInt(100),
		RealizedPnL:  big.NewInt(0),
		Uncollected0: uint256.NewInt(0),
		Uncollected1: uint256.NewInt(0),
	}

	// Withdraw half the liquidity, receiving 60 units of token0 (quote) —
	// more than the 50 proportional cost basis, realizing +10 PnL.
	row := model.PositionEvent{
		OrderKey:     model.OrderKey{Block: 2},
		EventType:    model.EventDecreaseLiquidity,
		DeltaL:       big.NewInt(-500),
		Token0Amount: uint256.NewInt(60),
		Token1Amount: uint256.NewInt(0),
	}
	updated, next, err := e.applyEvent(context.Background(), "ethereum", position, row, state)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), updated.RealizedPnLAfter, "RealizedPnLAfter")
	assert.Equal(t, big.NewInt(50), updated.CostBasisAfter, "CostBasisAfter")
	assert.True(t, next.Uncollected0.Eq(uint256.NewInt(60)), "Uncollected0 = %s, want 60", next.Uncollected0.Dec())
}

func TestApplyEventDecreaseLiquidityExceedingHeldIsInvariantViolation(t *testing.T) {
	e := priceOneEngine()
	position := &model.Position{Token0IsQuote: true, Pool: model.PoolRef{Address: "0xpool"}}
	state := model.LedgerState{
		Liquidity:    uint256.NewInt(100),
		CostBasis:    big.NewInt(10),
		RealizedPnL:  big.NewInt(0),
		Uncollected0: uint256.NewInt(0),
		Uncollected1: uint256.NewInt(0),
	}
	row := model.PositionEvent{
		OrderKey:     model.OrderKey{Block: 2},
		EventType:    model.EventDecreaseLiquidity,
		DeltaL:       big.NewInt(-500),
		Token0Amount: uint256.NewInt(1),
		Token1Amount: uint256.NewInt(0),
	}
	_, _, err := e.applyEvent(context.Background(), "ethereum", position, row, state)
	assert.Error(t, err, "expected an invariant-violation error decreasing more liquidity than held")
}

func TestApplyEventCollectSplitsPrincipalAndFees(t *testing.T) {
	e := priceOneEngine()
	position := &model.Position{Token0IsQuote: true, Pool: model.PoolRef{Address: "0xpool"}}
	state := model.LedgerState{
		Liquidity:    uint256.NewInt(1000),
		CostBasis:    big.NewInt(100),
		RealizedPnL:  big.NewInt(0),
		Uncollected0: uint256.NewInt(60),
		Uncollected1: uint256.NewInt(0),
	}
	// Collect 90 of token0: 60 is uncollected principal, 30 is fees.
	row := model.PositionEvent{
		OrderKey:     model.OrderKey{Block: 3},
		EventType:    model.EventCollect,
		DeltaL:       big.NewInt(0),
		Token0Amount: uint256.NewInt(90),
		Token1Amount: uint256.NewInt(0),
	}
	updated, next, err := e.applyEvent(context.Background(), "ethereum", position, row, state)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(30), updated.FeeValueInQuote, "FeeValueInQuote")
	assert.True(t, next.Uncollected0.IsZero(), "Uncollected0 after collecting all principal = %s, want 0", next.Uncollected0.Dec())
	// COLLECT never changes liquidity or cost basis.
	assert.True(t, updated.LiquidityAfter.Eq(uint256.NewInt(1000)), "LiquidityAfter should be unchanged by COLLECT")
	assert.Equal(t, big.NewInt(100), updated.CostBasisAfter, "CostBasisAfter should be unchanged by COLLECT")
}

func TestLockKeyIsStableAndDistinguishesPositions(t *testing.T) {
	a := lockKey("user1", "ethereum", "uniswap-v3", "42")
	b := lockKey("user1", "ethereum", "uniswap-v3", "42")
	assert.Equal(t, a, b, "lockKey not stable")

	c := lockKey("user1", "ethereum", "uniswap-v3", "43")
	assert.NotEqual(t, a, c, "lockKey collided for distinct nft ids")
}
