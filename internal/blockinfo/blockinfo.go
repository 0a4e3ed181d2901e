// Package blockinfo implements the Block Info Service:
// timestamp-to-block lookup and finality reporting, parameterized per
// chain by the two FinalityPolicy variants from internal/chainreg.
// Binary search over block headers is the natural generalization of
// the teacher's single eth_call-per-lookup style (no caching layer of
// its own; internal/ledger calls this once per sync and the result is
// cheap relative to the RPC round trips it replaces).
package blockinfo

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/blackhole-labs/position-ledger/internal/chain"
	"github.com/blackhole-labs/position-ledger/internal/chainreg"
	"github.com/blackhole-labs/position-ledger/internal/errs"
)

var finalizedTagNumber = big.NewInt(int64(rpc.FinalizedBlockNumber))

// Service answers block/timestamp/finality questions for a set of chains.
type Service struct {
	reg     *chainreg.Registry
	clients map[string]chain.Client
}

// New builds a Service from a chain registry and a client per chain name.
func New(reg *chainreg.Registry, clients map[string]chain.Client) *Service {
	return &Service{reg: reg, clients: clients}
}

func (s *Service) client(chainName string) (chain.Client, error) {
	c, ok := s.clients[chainName]
	if !ok {
		return nil, errs.New(errs.NotFound, "blockinfo", fmt.Errorf("no chain client registered for %q", chainName))
	}
	return c, nil
}

// BlockAtOrBefore returns the highest block number whose timestamp is
// <= ts, via binary search over block headers (block timestamps are
// monotonically non-decreasing in block number).
func (s *Service) BlockAtOrBefore(ctx context.Context, ts int64, chainName string) (uint64, error) {
	c, err := s.client(chainName)
	if err != nil {
		return 0, err
	}

	latest, err := c.LatestHeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("blockinfo: BlockAtOrBefore: %w", err)
	}
	if latest.Timestamp.Unix() <= ts {
		return latest.Number, nil
	}

	lo, hi := uint64(0), latest.Number
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		hdr, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, fmt.Errorf("blockinfo: BlockAtOrBefore: header %d: %w", mid, err)
		}
		if hdr.Timestamp.Unix() <= ts {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// LatestBlock returns the chain's current head block number, used by
// the Ledger Engine as the to_block of its catch-up fetch window.
func (s *Service) LatestBlock(ctx context.Context, chainName string) (uint64, error) {
	c, err := s.client(chainName)
	if err != nil {
		return 0, err
	}
	hdr, err := c.LatestHeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("blockinfo: LatestBlock: %w", err)
	}
	return hdr.Number, nil
}

// LastFinalizedBlock returns the chain's current finality boundary, or
// nil if the chain hasn't produced one yet (a Confirmations chain whose
// tip is still below N). A BlockTag chain whose node does not return a
// "finalized" header yields a FinalityBoundaryMissing error, not nil.
func (s *Service) LastFinalizedBlock(ctx context.Context, chainName string) (*uint64, error) {
	entry, err := s.reg.Get(chainName)
	if err != nil {
		return nil, fmt.Errorf("blockinfo: LastFinalizedBlock: %w", err)
	}
	c, err := s.client(chainName)
	if err != nil {
		return nil, err
	}

	switch entry.Finality.Kind {
	case chainreg.FinalityBlockTag:
		hdr, err := c.HeaderByNumber(ctx, finalizedTagNumber)
		if err != nil {
			return nil, errs.New(errs.FinalityBoundaryMissing, "blockinfo",
				fmt.Errorf("chain %q did not return a finalized tag: %w", chainName, err))
		}
		n := hdr.Number
		return &n, nil

	case chainreg.FinalityConfirmations:
		latest, err := c.LatestHeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("blockinfo: LastFinalizedBlock: %w", err)
		}
		if latest.Number < entry.Finality.Confirmations {
			return nil, nil
		}
		n := latest.Number - entry.Finality.Confirmations
		return &n, nil

	default:
		return nil, errs.New(errs.FinalityBoundaryMissing, "blockinfo",
			fmt.Errorf("chain %q has no finality policy configured", chainName))
	}
}

// IsFinal reports whether block is at or before the chain's current
// finality boundary.
func (s *Service) IsFinal(ctx context.Context, block uint64, chainName string) (bool, error) {
	f, err := s.LastFinalizedBlock(ctx, chainName)
	if err != nil {
		return false, err
	}
	if f == nil {
		return false, nil
	}
	return block <= *f, nil
}
