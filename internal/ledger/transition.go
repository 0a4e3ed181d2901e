package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/blackhole-labs/position-ledger/internal/ammmath"
	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/model"
)

// applyEvent values an event against the pool price at its block, then
// updates the accumulator according to its type. It returns the row
// with its derived snapshot filled in and the resulting state.
func (e *Engine) applyEvent(ctx context.Context, chainName string, position *model.Position, row model.PositionEvent, state model.LedgerState) (model.PositionEvent, model.LedgerState, error) {
	if row.LedgerIgnore {
		row.LiquidityAfter = state.Liquidity
		row.CostBasisAfter = state.CostBasis
		row.RealizedPnLAfter = state.RealizedPnL
		row.UncollectedPrincipal0 = state.Uncollected0
		row.UncollectedPrincipal1 = state.Uncollected1
		row.DeltaCostBasis = big.NewInt(0)
		row.DeltaPnL = big.NewInt(0)
		row.FeeValueInQuote = big.NewInt(0)
		row.TokenValueInQuote = big.NewInt(0)
		row.CalcVersion = CalcVersion
		return row, state, nil
	}

	price, err := e.prices.GetSqrtPriceAt(ctx, chainName, position.Pool.Address, row.OrderKey.Block)
	if err != nil {
		return model.PositionEvent{}, state, fmt.Errorf("ledger: price at block %d: %w", row.OrderKey.Block, err)
	}
	row.PoolSqrtPriceX96 = price.SqrtPriceX96
	if row.BlockTimestamp.IsZero() {
		row.BlockTimestamp = price.BlockTimestamp
	}

	value := ammmath.TokenValueInQuote(row.Token0Amount, row.Token1Amount, price.SqrtPriceX96, position.Token0IsQuote)

	switch row.EventType {
	case model.EventIncreaseLiquidity:
		deltaL, overflow := uint256.FromBig(row.DeltaL)
		if overflow {
			return model.PositionEvent{}, state, errs.New(errs.InvariantViolation, "ledger.applyEvent",
				fmt.Errorf("increase delta_l %s overflows u256", row.DeltaL))
		}
		row.LiquidityAfter = new(uint256.Int).Add(state.Liquidity, deltaL)
		row.CostBasisAfter = new(big.Int).Add(state.CostBasis, value)
		row.RealizedPnLAfter = new(big.Int).Set(state.RealizedPnL)
		row.UncollectedPrincipal0 = state.Uncollected0
		row.UncollectedPrincipal1 = state.Uncollected1
		row.DeltaCostBasis = value
		row.DeltaPnL = big.NewInt(0)
		row.FeeValueInQuote = big.NewInt(0)
		row.TokenValueInQuote = value

	case model.EventDecreaseLiquidity:
		deltaLAbs := new(big.Int).Abs(row.DeltaL)
		deltaLAbsU, overflow := uint256.FromBig(deltaLAbs)
		if overflow {
			return model.PositionEvent{}, state, errs.New(errs.InvariantViolation, "ledger.applyEvent",
				fmt.Errorf("decrease delta_l %s overflows u256", deltaLAbs))
		}
		if deltaLAbsU.Cmp(state.Liquidity) > 0 {
			return model.PositionEvent{}, state, errs.New(errs.InvariantViolation, "ledger.applyEvent",
				fmt.Errorf("decrease of %s exceeds held liquidity %s at block %d", deltaLAbsU, state.Liquidity, row.OrderKey.Block))
		}

		var proportionalCost *big.Int
		if state.Liquidity.IsZero() {
			proportionalCost = big.NewInt(0)
		} else {
			num := new(big.Int).Mul(state.CostBasis, deltaLAbs)
			proportionalCost = num.Div(num, state.Liquidity.ToBig())
		}
		deltaPnL := new(big.Int).Sub(value, proportionalCost)

		row.LiquidityAfter = new(uint256.Int).Sub(state.Liquidity, deltaLAbsU)
		row.CostBasisAfter = new(big.Int).Sub(state.CostBasis, proportionalCost)
		if row.CostBasisAfter.Sign() < 0 {
			row.CostBasisAfter = big.NewInt(0)
		}
		row.RealizedPnLAfter = new(big.Int).Add(state.RealizedPnL, deltaPnL)
		row.UncollectedPrincipal0 = new(uint256.Int).Add(state.Uncollected0, row.Token0Amount)
		row.UncollectedPrincipal1 = new(uint256.Int).Add(state.Uncollected1, row.Token1Amount)
		row.DeltaCostBasis = new(big.Int).Neg(proportionalCost)
		row.DeltaPnL = deltaPnL
		row.FeeValueInQuote = big.NewInt(0)
		row.TokenValueInQuote = value

	case model.EventCollect:
		principal0 := minU256(row.Token0Amount, state.Uncollected0)
		principal1 := minU256(row.Token1Amount, state.Uncollected1)
		fee0 := new(uint256.Int).Sub(row.Token0Amount, principal0)
		fee1 := new(uint256.Int).Sub(row.Token1Amount, principal1)
		feeValue := ammmath.TokenValueInQuote(fee0, fee1, price.SqrtPriceX96, position.Token0IsQuote)

		row.LiquidityAfter = state.Liquidity
		row.CostBasisAfter = state.CostBasis
		row.RealizedPnLAfter = state.RealizedPnL
		row.UncollectedPrincipal0 = new(uint256.Int).Sub(state.Uncollected0, principal0)
		row.UncollectedPrincipal1 = new(uint256.Int).Sub(state.Uncollected1, principal1)
		row.DeltaCostBasis = big.NewInt(0)
		row.DeltaPnL = big.NewInt(0)
		row.FeeValueInQuote = feeValue
		row.TokenValueInQuote = value

	default:
		return model.PositionEvent{}, state, errs.New(errs.UnsupportedEvent, "ledger.applyEvent",
			fmt.Errorf("unknown event type %q", row.EventType))
	}

	row.CalcVersion = CalcVersion
	if row.InputHash == "" {
		row.InputHash = computeInputHash(row.OrderKey)
	}

	return row, stateAfter(row), nil
}
