// Package ledger implements the Ledger Engine: the single operation
// ("sync") that reconciles a position's on-chain event history into
// an append-only, reorg-tolerant ledger. It accepts only the capability
// interfaces it needs from the Event Fetcher, Pool Price Cache, Block
// Info Service and wall clock,
// the same "class hierarchy of services" shape the teacher's
// blackhole.go wires its strategy dependencies through, and serializes
// concurrent syncs of the same position with internal/lockset.
package ledger

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/blackhole-labs/position-ledger/internal/chainreg"
	"github.com/blackhole-labs/position-ledger/internal/clock"
	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/eventfetch"
	"github.com/blackhole-labs/position-ledger/internal/lockset"
	"github.com/blackhole-labs/position-ledger/internal/model"
	"github.com/blackhole-labs/position-ledger/internal/pricecache"
	"github.com/blackhole-labs/position-ledger/internal/store"
)

// CalcVersion is stamped on every row this engine computes. The curve
// and PnL caches carry their own CalcVersion constants and do not read
// this one.
const CalcVersion = 1

// EventFetcher is the capability the engine needs from component D.
type EventFetcher interface {
	FetchEvents(ctx context.Context, chainName string, positionManager common.Address, nftID *big.Int, fromBlock, toBlock uint64) ([]eventfetch.RawEvent, error)
}

// PriceCache is the capability the engine needs from component C.
type PriceCache interface {
	GetSqrtPriceAt(ctx context.Context, chainName, pool string, block uint64) (pricecache.SqrtPriceAt, error)
}

// BlockInfo is the capability the engine needs from component B.
type BlockInfo interface {
	LastFinalizedBlock(ctx context.Context, chainName string) (*uint64, error)
	LatestBlock(ctx context.Context, chainName string) (uint64, error)
	BlockAtOrBefore(ctx context.Context, ts int64, chainName string) (uint64, error)
}

// Engine is the production Ledger Engine.
type Engine struct {
	store   *store.Store
	fetcher EventFetcher
	prices  PriceCache
	blocks  BlockInfo
	clk     clock.Clock
	reg     *chainreg.Registry
	locks   *lockset.KeyedMutex
	log     *zap.SugaredLogger
}

// New builds an Engine from its dependencies.
func New(st *store.Store, fetcher EventFetcher, prices PriceCache, blocks BlockInfo, clk clock.Clock, reg *chainreg.Registry, locks *lockset.KeyedMutex, log *zap.SugaredLogger) *Engine {
	return &Engine{store: st, fetcher: fetcher, prices: prices, blocks: blocks, clk: clk, reg: reg, locks: locks, log: log}
}

func lockKey(userID, chainName, protocol, nftID string) string {
	return userID + "|" + chainName + "|" + protocol + "|" + nftID
}

// Sync partitions the ledger at the chain's finality boundary, fetches
// and merges new on-chain events, recomputes every event strictly
// after the last surviving final row, and persists the result as a
// single transaction. At most one sync per (user, chain, protocol,
// nft_id) runs at a time.
func (e *Engine) Sync(ctx context.Context, userID, chainName, protocol, nftID string) ([]model.PositionEvent, error) {
	unlock, err := e.locks.Lock(ctx, lockKey(userID, chainName, protocol, nftID))
	if err != nil {
		return nil, fmt.Errorf("ledger: Sync: acquire lock: %w", err)
	}
	defer unlock()

	position, err := e.store.GetPosition(ctx, userID, chainName, protocol, nftID)
	if err != nil {
		return nil, errs.New(errs.NotFound, "ledger.Sync", err)
	}
	positionID := position.ID()

	entry, err := e.reg.Get(chainName)
	if err != nil {
		return nil, fmt.Errorf("ledger: Sync: %w", err)
	}
	positionManager := common.HexToAddress(entry.PositionManagerAddr)

	nftIDBig, ok := new(big.Int).SetString(nftID, 10)
	if !ok {
		return nil, errs.New(errs.Validation, "ledger.Sync", fmt.Errorf("invalid nft id %q", nftID))
	}

	// Finality boundary and partition.
	finalityBoundary, err := e.blocks.LastFinalizedBlock(ctx, chainName)
	if err != nil {
		return nil, fmt.Errorf("ledger: Sync: finality boundary: %w", err)
	}

	oldRows, err := e.store.GetLedger(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: Sync: %w", err)
	}

	preserved := make([]model.PositionEvent, 0, len(oldRows))
	for _, r := range oldRows {
		if r.Source == model.SourceManual || r.LedgerIgnore || (finalityBoundary != nil && r.OrderKey.Block <= *finalityBoundary) {
			preserved = append(preserved, r)
		}
	}

	// Fetch the catch-up window and drop exact duplicates of
	// transactions already recorded, avoiding double rows at the
	// inclusive finality boundary.
	fromBlock := uint64(0)
	if finalityBoundary != nil {
		fromBlock = *finalityBoundary
	}
	toBlock, err := e.blocks.LatestBlock(ctx, chainName)
	if err != nil {
		return nil, fmt.Errorf("ledger: Sync: latest block: %w", err)
	}
	if toBlock < fromBlock {
		toBlock = fromBlock
	}

	raw, err := e.fetcher.FetchEvents(ctx, chainName, positionManager, nftIDBig, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("ledger: Sync: fetch events: %w", err)
	}

	recordedHashes := make(map[string]struct{}, len(preserved))
	for _, r := range preserved {
		if r.Source == model.SourceOnchain && r.TransactionHash != "" {
			recordedHashes[r.TransactionHash] = struct{}{}
		}
	}

	fresh := make([]model.PositionEvent, 0, len(raw))
	for _, rv := range raw {
		if _, dup := recordedHashes[rv.TransactionHash]; dup {
			continue
		}
		fresh = append(fresh, stubFromRaw(positionID, rv))
	}

	// Merge and sort by the ledger ordering triple.
	merged := make([]model.PositionEvent, 0, len(preserved)+len(fresh))
	merged = append(merged, preserved...)
	merged = append(merged, fresh...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].OrderKey.Less(merged[j].OrderKey) })

	// Initial state from the last surviving final row.
	state := model.ZeroState()
	boundaryFound := false
	var boundaryKey model.OrderKey
	if finalityBoundary != nil {
		for _, r := range preserved {
			if r.OrderKey.Block <= *finalityBoundary {
				if !boundaryFound || boundaryKey.Less(r.OrderKey) {
					boundaryKey = r.OrderKey
					boundaryFound = true
					state = stateAfter(r)
				}
			}
		}
	}

	// Process every event strictly after the boundary; rows at
	// or before it are left exactly as stored.
	processed := make([]model.PositionEvent, 0, len(merged))
	for _, row := range merged {
		if boundaryFound && !boundaryKey.Less(row.OrderKey) {
			continue
		}
		updated, next, err := e.applyEvent(ctx, chainName, position, row, state)
		if err != nil {
			return nil, err
		}
		state = next
		processed = append(processed, updated)
	}

	position.Liquidity = state.Liquidity
	if state.Liquidity.IsZero() && position.Status == model.StatusActive {
		position.Status = model.StatusClosed
	} else if !state.Liquidity.IsZero() && position.Status == model.StatusClosed {
		position.Status = model.StatusActive
	}

	// Delete the stale non-final segment and persist the
	// recomputed rows as one transaction, so a failure anywhere above
	// never touches the database.
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.DeleteNonFinalOnchain(ctx, positionID, finalityBoundary); err != nil {
			return fmt.Errorf("delete non-final rows: %w", err)
		}
		if err := tx.UpsertEvents(ctx, positionID, processed); err != nil {
			return fmt.Errorf("upsert rows: %w", err)
		}
		if err := tx.UpsertPosition(ctx, position); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: Sync: persist: %w", err)
	}

	return e.store.GetLedger(ctx, positionID)
}

func stateAfter(r model.PositionEvent) model.LedgerState {
	return model.LedgerState{
		Liquidity:    r.LiquidityAfter,
		CostBasis:    r.CostBasisAfter,
		RealizedPnL:  r.RealizedPnLAfter,
		Uncollected0: r.UncollectedPrincipal0,
		Uncollected1: r.UncollectedPrincipal1,
	}
}

func stubFromRaw(positionID string, rv eventfetch.RawEvent) model.PositionEvent {
	deltaL := new(big.Int).Set(rv.Liquidity)
	switch rv.EventType {
	case model.EventDecreaseLiquidity:
		deltaL.Neg(deltaL)
	case model.EventCollect:
		deltaL.SetInt64(0)
	}

	amount0, _ := uint256.FromBig(rv.Amount0)
	amount1, _ := uint256.FromBig(rv.Amount1)

	return model.PositionEvent{
		PositionID:      positionID,
		OrderKey:        rv.OrderKey,
		Source:          model.SourceOnchain,
		LedgerIgnore:    false,
		EventType:       rv.EventType,
		TransactionHash: rv.TransactionHash,
		DeltaL:          deltaL,
		Token0Amount:    amount0,
		Token1Amount:    amount1,
		InputHash:       computeInputHash(rv.OrderKey),
		CalcVersion:     CalcVersion,
	}
}

// computeInputHash derives the on-chain-row idempotency key: an MD5
// of the ordering triple, stable across reorgs that replace a slot's
// content without moving its (block, tx_index, log_index) position.
func computeInputHash(k model.OrderKey) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d|%d|%d", k.Block, k.TransactionIdx, k.LogIdx)))
	return hex.EncodeToString(sum[:])
}

func minU256(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
