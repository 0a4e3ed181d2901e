// Package chain wraps *ethclient.Client for the read-only subset of
// RPC calls the Ledger Engine needs: block headers, logs and eth_call.
// It mirrors the teacher's ContractClient (Call/Send) and the pack's
// uniswap.V3ClientImpl (github.com/ethereum/go-ethereum +
// go.uber.org/zap, CallContract/abi.Pack/UnpackIntoInterface), but
// drops Send entirely: no private key, no transaction signing, that
// surface is out of scope here. Every call is routed through an
// internal/rpcsched.Scheduler so retries, rate limiting and the
// transient/permanent error split happen in one place regardless of
// which component issues the call.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/model"
	"github.com/blackhole-labs/position-ledger/internal/rpcsched"
)

// Client is the capability surface the rest of the engine needs from a
// chain RPC endpoint.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (model.BlockHeader, error)
	LatestHeader(ctx context.Context) (model.BlockHeader, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]model.Log, error)
	Call(ctx context.Context, contract common.Address, a *abi.ABI, method string, out interface{}, args ...interface{}) error
	CallAtBlock(ctx context.Context, block uint64, contract common.Address, a *abi.ABI, method string, out interface{}, args ...interface{}) error
}

// EthClient is the production Client, backed by go-ethereum's
// ethclient and scheduled through rpcsched.
type EthClient struct {
	chain string
	raw   *ethclient.Client
	sched *rpcsched.Scheduler
	log   *zap.SugaredLogger
}

// New builds an EthClient for one chain's RPC endpoint.
func New(chain string, raw *ethclient.Client, sched *rpcsched.Scheduler, log *zap.SugaredLogger) *EthClient {
	return &EthClient{chain: chain, raw: raw, sched: sched, log: log}
}

// HeaderByNumber fetches the header at a specific block number.
func (c *EthClient) HeaderByNumber(ctx context.Context, number *big.Int) (model.BlockHeader, error) {
	var hdr *types.Header
	err := c.sched.Do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		c.log.Debugw("rpc call", "chain", c.chain, "method", "eth_getBlockByNumber", "number", number)
		h, err := c.raw.HeaderByNumber(ctx, number)
		if err != nil {
			return classify(err)
		}
		hdr = h
		return nil
	})
	if err != nil {
		return model.BlockHeader{}, fmt.Errorf("chain: HeaderByNumber(%v): %w", number, err)
	}
	return toHeader(hdr), nil
}

// LatestHeader fetches the chain tip.
func (c *EthClient) LatestHeader(ctx context.Context) (model.BlockHeader, error) {
	return c.HeaderByNumber(ctx, nil)
}

// FilterLogs runs eth_getLogs under the scheduler, translating results
// into the engine's chain-agnostic model.Log.
func (c *EthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]model.Log, error) {
	var raw []types.Log
	err := c.sched.Do(ctx, "eth_getLogs", func(ctx context.Context) error {
		c.log.Debugw("rpc call", "chain", c.chain, "method", "eth_getLogs", "fromBlock", q.FromBlock, "toBlock", q.ToBlock, "addresses", q.Addresses)
		logs, err := c.raw.FilterLogs(ctx, q)
		if err != nil {
			return classify(err)
		}
		raw = logs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain: FilterLogs: %w", err)
	}

	out := make([]model.Log, 0, len(raw))
	for _, l := range raw {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out = append(out, model.Log{
			Address:         l.Address.Hex(),
			Topics:          topics,
			Data:            l.Data,
			BlockNumber:     l.BlockNumber,
			TransactionHash: l.TxHash.Hex(),
			TransactionIdx:  int32(l.TxIndex),
			LogIdx:          int32(l.Index),
		})
	}
	return out, nil
}

// Call performs a read-only eth_call against contract, packing args
// and unpacking into out via a, following the pack's
// Pack/CallContract/UnpackIntoInterface idiom.
func (c *EthClient) Call(ctx context.Context, contract common.Address, a *abi.ABI, method string, out interface{}, args ...interface{}) error {
	return c.call(ctx, nil, contract, a, method, out, args...)
}

// CallAtBlock is Call pinned to a historical block, used by the
// importer to read a position's state from just before its NFT was
// burned, when the current-state call would revert.
func (c *EthClient) CallAtBlock(ctx context.Context, block uint64, contract common.Address, a *abi.ABI, method string, out interface{}, args ...interface{}) error {
	return c.call(ctx, new(big.Int).SetUint64(block), contract, a, method, out, args...)
}

func (c *EthClient) call(ctx context.Context, atBlock *big.Int, contract common.Address, a *abi.ABI, method string, out interface{}, args ...interface{}) error {
	callData, err := a.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("chain: failed to pack %s call: %w", method, err)
	}

	var result []byte
	err = c.sched.Do(ctx, "eth_call:"+method, func(ctx context.Context) error {
		c.log.Debugw("rpc call", "chain", c.chain, "method", "eth_call", "contract_method", method, "to", contract.Hex(), "block", atBlock)
		res, err := c.raw.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: callData}, atBlock)
		if err != nil {
			return classify(err)
		}
		result = res
		return nil
	})
	if err != nil {
		return fmt.Errorf("chain: failed to call %s: %w", method, err)
	}

	if out == nil {
		return nil
	}
	if err := a.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("chain: failed to unpack %s result: %w", method, err)
	}
	return nil
}

func toHeader(h *types.Header) model.BlockHeader {
	return model.BlockHeader{
		Number:     h.Number.Uint64(),
		Timestamp:  time.Unix(int64(h.Time), 0).UTC(),
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
	}
}

// classify maps a raw ethclient/transport error onto errs.Kind so the
// scheduler knows whether it's worth retrying. Rate-limit and
// connection-reset style failures are transient; everything else
// (bad ABI, execution revert, context cancellation) is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	transientSubstrings := []string{
		"429",
		"rate limit",
		"max calls per sec",
		"too many requests",
		"connection reset",
		"timeout",
		"eof",
		"temporarily unavailable",
		"exceeded",
	}
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return errs.New(errs.TransientRPC, "chain", err)
		}
	}
	return err
}
