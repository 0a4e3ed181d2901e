// Package model holds the shared domain types for positions, pools,
// tokens and ledger rows. It has no dependency on go-ethereum or gorm
// so that pure-math and pure-merge code (internal/ammmath,
// internal/ledger's merge step) can be tested without either.
package model

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// ImportType records how a Position entered the system.
type ImportType string

const (
	ImportNFT       ImportType = "nft"
	ImportDiscovery ImportType = "discovery"
	ImportManual    ImportType = "manual"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	StatusActive   PositionStatus = "active"
	StatusClosed   PositionStatus = "closed"
	StatusArchived PositionStatus = "archived"
)

// EventSource distinguishes rows fetched from chain from operator-entered rows.
type EventSource string

const (
	SourceOnchain EventSource = "onchain"
	SourceManual  EventSource = "manual"
)

// EventType is the kind of state transition a PositionEvent represents.
type EventType string

const (
	EventIncreaseLiquidity EventType = "INCREASE_LIQUIDITY"
	EventDecreaseLiquidity EventType = "DECREASE_LIQUIDITY"
	EventCollect           EventType = "COLLECT"
)

// PoolRef identifies a pool independent of which chain client loaded it.
type PoolRef struct {
	Chain   string
	Address string
}

// Position is the identity row: composite key (UserID, Chain, Protocol, NFTID).
type Position struct {
	UserID        string
	Chain         string
	Protocol      string
	NFTID         string
	TickLower     int32
	TickUpper     int32
	Liquidity     *uint256.Int
	Token0IsQuote bool
	Owner         string
	ImportType    ImportType
	Status        PositionStatus
	Pool          PoolRef
}

// ID returns the composite identity used as a map/store key.
func (p *Position) ID() string {
	return p.UserID + "|" + p.Chain + "|" + p.Protocol + "|" + p.NFTID
}

// Pool is the shared, content-addressed AMM pool record.
type Pool struct {
	Chain             string
	Address           string
	Protocol          string
	Fee               uint32
	TickSpacing       int32
	Token0            string
	Token1            string
	CurrentTick       int32
	CurrentSqrtPrice  *uint256.Int
	FeeGrowthGlobal0  *uint256.Int
	FeeGrowthGlobal1  *uint256.Int
}

// Token is the shared, content-addressed ERC20 metadata record.
type Token struct {
	Chain    string
	Address  string
	Symbol   string
	Name     string
	Decimals uint8
	Verified bool
}

// OrderKey is the strict total order triple over a position's ledger.
type OrderKey struct {
	Block           uint64
	TransactionIdx  int32
	LogIdx          int32
}

// Less implements the ordering triple (block, tx_index, log_index).
func (k OrderKey) Less(o OrderKey) bool {
	if k.Block != o.Block {
		return k.Block < o.Block
	}
	if k.TransactionIdx != o.TransactionIdx {
		return k.TransactionIdx < o.TransactionIdx
	}
	return k.LogIdx < o.LogIdx
}

// Equal reports whether two ordering triples identify the same slot.
func (k OrderKey) Equal(o OrderKey) bool {
	return k.Block == o.Block && k.TransactionIdx == o.TransactionIdx && k.LogIdx == o.LogIdx
}

// PositionEvent is one ledger row: an input snapshot plus derived state.
type PositionEvent struct {
	PositionID string
	OrderKey   OrderKey

	Source       EventSource
	LedgerIgnore bool
	EventType    EventType

	BlockTimestamp  time.Time
	TransactionHash string

	DeltaL        *big.Int // int128 semantics: +INCREASE, -DECREASE, 0 COLLECT
	Token0Amount  *uint256.Int
	Token1Amount  *uint256.Int
	PoolSqrtPriceX96 *uint256.Int

	// After-state snapshot.
	LiquidityAfter         *uint256.Int
	CostBasisAfter         *big.Int
	RealizedPnLAfter       *big.Int
	UncollectedPrincipal0  *uint256.Int
	UncollectedPrincipal1  *uint256.Int

	// Per-event deltas.
	DeltaCostBasis   *big.Int
	DeltaPnL         *big.Int
	FeeValueInQuote  *big.Int
	TokenValueInQuote *big.Int

	InputHash   string
	CalcVersion int
}

// LedgerState is the running accumulator carried from one ledger row
// to the next.
type LedgerState struct {
	Liquidity     *uint256.Int
	CostBasis     *big.Int
	RealizedPnL   *big.Int
	Uncollected0  *uint256.Int
	Uncollected1  *uint256.Int
}

// ZeroState builds the all-zero starting accumulator.
func ZeroState() LedgerState {
	return LedgerState{
		Liquidity:    uint256.NewInt(0),
		CostBasis:    big.NewInt(0),
		RealizedPnL:  big.NewInt(0),
		Uncollected0: uint256.NewInt(0),
		Uncollected1: uint256.NewInt(0),
	}
}

// BlockHeader is the subset of a chain block the system consumes.
type BlockHeader struct {
	Number     uint64
	Timestamp  time.Time
	Hash       string
	ParentHash string
}

// Log is a decoded-topic-addressed chain event log.
type Log struct {
	Address         string
	Topics          []string
	Data            []byte
	BlockNumber     uint64
	TransactionHash string
	TransactionIdx  int32
	LogIdx          int32
}

// PnLSummary is the output of the PnL Aggregator.
type PnLSummary struct {
	PositionID       string
	CurrentValue     *big.Int
	CurrentCostBasis *big.Int
	RealizedPnL      *big.Int
	CollectedFees    *big.Int
	UnclaimedFees    *big.Int
	UnrealizedPnL    *big.Int
	TotalPnL         *big.Int
}

// CurvePoint is one sampled price point of a position's PnL curve.
type CurvePoint struct {
	Price *big.Float
	Tick  int32
	PnL   *big.Int
}

// Curve is the cached discrete PnL-vs-price curve.
type Curve struct {
	PositionID        string
	Points            []CurvePoint
	PoolTick          int32
	PoolSqrtPriceX96  *uint256.Int
	PnLCacheVersion   int
	IsValid           bool
}

// Candidate is an unpersisted position summary from Discover-by-owner.
type Candidate struct {
	Chain         string
	Protocol      string
	NFTID         string
	Token0Symbol  string
	Token1Symbol  string
	Fee           uint32
	TickLower     int32
	TickUpper     int32
	Liquidity     *uint256.Int
	Status        PositionStatus
}
