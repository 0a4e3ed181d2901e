package ledger

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/model"
)

// AddManualEvent records an operator-entered event at the last block
// at or before its timestamp, with a synthetic ordering
// key (transaction_index=-1, a fresh negative log_index) that always
// sorts before on-chain events in the same block, then re-run sync so
// the new row's derived state is computed immediately.
func (e *Engine) AddManualEvent(ctx context.Context, userID, chainName, protocol, nftID string, eventType model.EventType, timestamp time.Time, liquidityDelta *big.Int, amount0, amount1 *uint256.Int) ([]model.PositionEvent, error) {
	key := lockKey(userID, chainName, protocol, nftID)
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger: AddManualEvent: acquire lock: %w", err)
	}

	position, err := e.store.GetPosition(ctx, userID, chainName, protocol, nftID)
	if err != nil {
		unlock()
		return nil, errs.New(errs.NotFound, "ledger.AddManualEvent", err)
	}
	positionID := position.ID()

	block, err := e.blocks.BlockAtOrBefore(ctx, timestamp.Unix(), chainName)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("ledger: AddManualEvent: %w", err)
	}

	existing, err := e.store.GetLedger(ctx, positionID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("ledger: AddManualEvent: %w", err)
	}

	nextLogIdx := int32(-1)
	for _, r := range existing {
		if r.OrderKey.Block == block && r.OrderKey.TransactionIdx == -1 && r.OrderKey.LogIdx <= nextLogIdx {
			nextLogIdx = r.OrderKey.LogIdx - 1
		}
	}

	row := model.PositionEvent{
		PositionID:      positionID,
		OrderKey:        model.OrderKey{Block: block, TransactionIdx: -1, LogIdx: nextLogIdx},
		Source:          model.SourceManual,
		LedgerIgnore:    false,
		EventType:       eventType,
		BlockTimestamp:  timestamp,
		DeltaL:          liquidityDelta,
		Token0Amount:    amount0,
		Token1Amount:    amount1,
		InputHash:       manualInputHash(),
		CalcVersion:     CalcVersion,
	}

	if err := e.store.UpsertEvents(ctx, positionID, []model.PositionEvent{row}); err != nil {
		unlock()
		return nil, fmt.Errorf("ledger: AddManualEvent: insert: %w", err)
	}

	// Release before re-entering Sync, which re-acquires the same key.
	unlock()
	return e.Sync(ctx, userID, chainName, protocol, nftID)
}

// manualInputHash derives a manual row's idempotency key: an MD5 of
// "manual-"+a fresh UUID, matching computeInputHash's fixed-width
// varchar(32) column.
func manualInputHash() string {
	sum := md5.Sum([]byte("manual-" + uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

// HardReset is the admin-only operation that deletes every ledger row
// for a position so the next sync rebuilds it from scratch.
func (e *Engine) HardReset(ctx context.Context, userID, chainName, protocol, nftID string) error {
	unlock, err := e.locks.Lock(ctx, lockKey(userID, chainName, protocol, nftID))
	if err != nil {
		return fmt.Errorf("ledger: HardReset: acquire lock: %w", err)
	}
	defer unlock()

	position, err := e.store.GetPosition(ctx, userID, chainName, protocol, nftID)
	if err != nil {
		return errs.New(errs.NotFound, "ledger.HardReset", err)
	}
	return e.store.HardReset(ctx, position.ID())
}
