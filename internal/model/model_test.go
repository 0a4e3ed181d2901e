package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderKeyLess(t *testing.T) {
	tests := []struct {
		name string
		a, b OrderKey
		want bool
	}{
		{"lower block", OrderKey{Block: 1, TransactionIdx: 5, LogIdx: 5}, OrderKey{Block: 2}, true},
		{"higher block", OrderKey{Block: 2}, OrderKey{Block: 1, TransactionIdx: 5, LogIdx: 5}, false},
		{"same block, lower tx", OrderKey{Block: 1, TransactionIdx: 0}, OrderKey{Block: 1, TransactionIdx: 1}, true},
		{"same block+tx, lower log", OrderKey{Block: 1, TransactionIdx: 1, LogIdx: 0}, OrderKey{Block: 1, TransactionIdx: 1, LogIdx: 1}, true},
		{"equal", OrderKey{Block: 1, TransactionIdx: 1, LogIdx: 1}, OrderKey{Block: 1, TransactionIdx: 1, LogIdx: 1}, false},
		{"manual sorts before onchain in same block", OrderKey{Block: 5, TransactionIdx: -1, LogIdx: -1}, OrderKey{Block: 5, TransactionIdx: 0, LogIdx: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Less(tt.b))
		})
	}
}

func TestOrderKeyEqual(t *testing.T) {
	a := OrderKey{Block: 1, TransactionIdx: 2, LogIdx: 3}
	b := OrderKey{Block: 1, TransactionIdx: 2, LogIdx: 3}
	c := OrderKey{Block: 1, TransactionIdx: 2, LogIdx: 4}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestZeroState(t *testing.T) {
	s := ZeroState()
	assert.True(t, s.Liquidity.IsZero())
	assert.Zero(t, s.CostBasis.Sign())
	assert.Zero(t, s.RealizedPnL.Sign())
	assert.True(t, s.Uncollected0.IsZero())
	assert.True(t, s.Uncollected1.IsZero())
}

func TestPositionID(t *testing.T) {
	p := &Position{UserID: "user-1", Chain: "ethereum", Protocol: "uniswap-v3", NFTID: "42"}
	assert.Equal(t, "user-1|ethereum|uniswap-v3|42", p.ID())
}

func TestPositionIDDistinguishesUsers(t *testing.T) {
	a := (&Position{UserID: "user-1", Chain: "ethereum", Protocol: "uniswap-v3", NFTID: "42"}).ID()
	b := (&Position{UserID: "user-2", Chain: "ethereum", Protocol: "uniswap-v3", NFTID: "42"}).ID()
	assert.NotEqual(t, a, b)
}
