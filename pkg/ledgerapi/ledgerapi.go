// Package ledgerapi is the single facade the daemon and any other
// caller programs against: it wires the Ledger Engine, PnL
// Aggregator, Curve Cache and Import/Lookup service behind one set of
// methods, composing the constituent services into one type rather
// than exposing each service separately.
package ledgerapi

import (
	"context"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"github.com/blackhole-labs/position-ledger/internal/curve"
	"github.com/blackhole-labs/position-ledger/internal/importer"
	"github.com/blackhole-labs/position-ledger/internal/ledger"
	"github.com/blackhole-labs/position-ledger/internal/model"
	"github.com/blackhole-labs/position-ledger/internal/pnl"
)

// API is the facade production callers hold onto.
type API struct {
	Ledger   *ledger.Engine
	PnL      *pnl.Aggregator
	Curve    *curve.Cache
	Importer *importer.Service
}

// New assembles a facade from its already-constructed services.
func New(l *ledger.Engine, p *pnl.Aggregator, c *curve.Cache, i *importer.Service) *API {
	return &API{Ledger: l, PnL: p, Curve: c, Importer: i}
}

// Sync brings a position's ledger up to the chain tip, reconciling
// on-chain events into the reorg-tolerant append-only ledger.
func (a *API) Sync(ctx context.Context, userID, chainName, protocol, nftID string) ([]model.PositionEvent, error) {
	return a.Ledger.Sync(ctx, userID, chainName, protocol, nftID)
}

// AddManualEvent records an operator-entered event and resyncs so its
// derived state takes effect immediately.
func (a *API) AddManualEvent(ctx context.Context, userID, chainName, protocol, nftID string, eventType model.EventType, timestamp time.Time, liquidityDelta *big.Int, amount0, amount1 *uint256.Int) ([]model.PositionEvent, error) {
	return a.Ledger.AddManualEvent(ctx, userID, chainName, protocol, nftID, eventType, timestamp, liquidityDelta, amount0, amount1)
}

// HardReset deletes a position's ledger so the next sync rebuilds it
// from scratch.
func (a *API) HardReset(ctx context.Context, userID, chainName, protocol, nftID string) error {
	return a.Ledger.HardReset(ctx, userID, chainName, protocol, nftID)
}

// GetPnL recomputes and returns a position's current PnL summary.
func (a *API) GetPnL(ctx context.Context, userID, chainName, protocol, nftID string) (model.PnLSummary, error) {
	return a.PnL.GetPnL(ctx, userID, chainName, protocol, nftID)
}

// GetCurve returns a position's PnL-vs-price curve, reusing the cached
// copy while the Curve Cache considers it valid.
func (a *API) GetCurve(ctx context.Context, userID, chainName, protocol, nftID string) (model.Curve, error) {
	return a.Curve.GetCurve(ctx, userID, chainName, protocol, nftID)
}

// ImportByNFT brings an existing position NFT under ledger management.
func (a *API) ImportByNFT(ctx context.Context, userID, chainName, protocol, nftID string) (*model.Position, error) {
	return a.Importer.ImportByNFT(ctx, userID, chainName, protocol, nftID)
}

// DiscoverByOwner lists an owner's not-yet-imported position NFTs.
func (a *API) DiscoverByOwner(ctx context.Context, userID, chainName, protocol, owner string, limit int) ([]model.Candidate, error) {
	return a.Importer.DiscoverByOwner(ctx, userID, chainName, protocol, owner, limit)
}
