// Package pricecache implements the Pool Price Cache:
// an immutable (chain, pool, block) -> slot0 mapping, backed by an L1
// in-memory fastcache layer in front of the durable internal/store
// table, with golang.org/x/sync/singleflight collapsing duplicate
// in-flight fetches for the same key. fastcache is the pack's own
// choice for a process-local byte cache (it ships as an indirect
// dependency of the teacher's stack already); singleflight is the
// dedup primitive AKJUS-bsc-erigon and luxfi-evm both reach for
// around hot RPC paths.
package pricecache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"

	"github.com/blackhole-labs/position-ledger/internal/chain"
)

// SqrtPriceAt is the result of a price lookup at a specific block.
type SqrtPriceAt struct {
	SqrtPriceX96   *uint256.Int
	Tick           int32
	BlockTimestamp time.Time
}

// PriceRequest batches a single (chain, pool, block) lookup.
type PriceRequest struct {
	Chain string
	Pool  string
	Block uint64
}

// PriceResult pairs a batched lookup with its outcome.
type PriceResult struct {
	Request PriceRequest
	Price   SqrtPriceAt
	Err     error
}

// durable is the subset of internal/store.Store this package needs,
// described narrowly so tests can substitute an in-memory fake.
type durable interface {
	GetPrice(ctx context.Context, chainName, pool string, block uint64) (sqrtPriceX96 *uint256.Int, tick int32, blockTimestamp time.Time, ok bool, err error)
	UpsertPrice(ctx context.Context, chainName, pool string, block uint64, sqrtPriceX96 *uint256.Int, tick int32, ts time.Time) error
}

// poolSlot0ABIJson is the minimal ABI fragment for Pool.slot0(),
// matching the pool contract's slot0 surface.
const poolSlot0ABIJson = `[{"inputs":[],"name":"slot0","outputs":[
{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
{"internalType":"int24","name":"tick","type":"int24"},
{"internalType":"uint16","name":"observationIndex","type":"uint16"},
{"internalType":"uint16","name":"observationCardinality","type":"uint16"},
{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},
{"internalType":"uint8","name":"feeProtocol","type":"uint8"},
{"internalType":"bool","name":"unlocked","type":"bool"}],
"stateMutability":"view","type":"function"}]`

var poolABI *abi.ABI

func init() {
	a, err := abi.JSON(strings.NewReader(poolSlot0ABIJson))
	if err != nil {
		panic("pricecache: invalid embedded pool ABI: " + err.Error())
	}
	poolABI = &a
}

// Cache is the production Pool Price Cache: fastcache L1, durable
// store L2, singleflight-deduped RPC fallback.
type Cache struct {
	l1      *fastcache.Cache
	store   durable
	clients map[string]chain.Client
	group   singleflight.Group
}

// New builds a Cache with an l1MaxBytes-sized in-memory layer.
func New(store durable, clients map[string]chain.Client, l1MaxBytes int) *Cache {
	return &Cache{
		l1:      fastcache.New(l1MaxBytes),
		store:   store,
		clients: clients,
	}
}

func l1Key(chainName, pool string, block uint64) []byte {
	buf := make([]byte, 0, len(chainName)+len(pool)+10)
	buf = append(buf, chainName...)
	buf = append(buf, '|')
	buf = append(buf, pool...)
	buf = append(buf, '|')
	var blockBytes [8]byte
	binary.BigEndian.PutUint64(blockBytes[:], block)
	return append(buf, blockBytes[:]...)
}

func encodeL1(p SqrtPriceAt) []byte {
	b := p.SqrtPriceX96.Bytes32()
	out := make([]byte, 0, 32+4+8)
	out = append(out, b[:]...)
	var tickBytes [4]byte
	binary.BigEndian.PutUint32(tickBytes[:], uint32(p.Tick))
	out = append(out, tickBytes[:]...)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(p.BlockTimestamp.Unix()))
	return append(out, tsBytes[:]...)
}

func decodeL1(buf []byte) (SqrtPriceAt, bool) {
	if len(buf) != 44 {
		return SqrtPriceAt{}, false
	}
	var b32 [32]byte
	copy(b32[:], buf[:32])
	sqrt := new(uint256.Int).SetBytes32(b32[:])
	tick := int32(binary.BigEndian.Uint32(buf[32:36]))
	ts := int64(binary.BigEndian.Uint64(buf[36:44]))
	return SqrtPriceAt{SqrtPriceX96: sqrt, Tick: tick, BlockTimestamp: time.Unix(ts, 0).UTC()}, true
}

// GetSqrtPriceAt is the single-item lookup: L1 → durable store →
// slot0 RPC call → upsert both layers.
func (c *Cache) GetSqrtPriceAt(ctx context.Context, chainName, pool string, block uint64) (SqrtPriceAt, error) {
	key := l1Key(chainName, pool, block)
	if buf, ok := c.l1.HasGet(nil, key); ok {
		if v, ok := decodeL1(buf); ok {
			return v, nil
		}
	}

	sfKey := fmt.Sprintf("%s|%s|%d", chainName, pool, block)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		return c.fetch(ctx, chainName, pool, block)
	})
	if err != nil {
		return SqrtPriceAt{}, err
	}
	result := v.(SqrtPriceAt)
	c.l1.Set(key, encodeL1(result))
	return result, nil
}

func (c *Cache) fetch(ctx context.Context, chainName, pool string, block uint64) (SqrtPriceAt, error) {
	if sqrt, tick, ts, ok, err := c.store.GetPrice(ctx, chainName, pool, block); err != nil {
		return SqrtPriceAt{}, fmt.Errorf("pricecache: durable lookup: %w", err)
	} else if ok {
		return SqrtPriceAt{SqrtPriceX96: sqrt, Tick: tick, BlockTimestamp: ts}, nil
	}

	cl, ok := c.clients[chainName]
	if !ok {
		return SqrtPriceAt{}, fmt.Errorf("pricecache: no chain client registered for %q", chainName)
	}

	var raw struct {
		SqrtPriceX96               *big.Int
		Tick                       *big.Int
		ObservationIndex           uint16
		ObservationCardinality     uint16
		ObservationCardinalityNext uint16
		FeeProtocol                uint8
		Unlocked                   bool
	}
	if err := cl.CallAtBlock(ctx, block, common.HexToAddress(pool), poolABI, "slot0", &raw); err != nil {
		return SqrtPriceAt{}, fmt.Errorf("pricecache: slot0(%s@%d): %w", pool, block, err)
	}

	sqrtPriceX96, overflow := uint256.FromBig(raw.SqrtPriceX96)
	if overflow {
		return SqrtPriceAt{}, fmt.Errorf("pricecache: sqrtPriceX96 overflows u256 for %s@%d", pool, block)
	}
	tick := int32(raw.Tick.Int64())

	hdr, err := cl.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return SqrtPriceAt{}, fmt.Errorf("pricecache: header for %s@%d: %w", pool, block, err)
	}

	if err := c.store.UpsertPrice(ctx, chainName, pool, block, sqrtPriceX96, tick, hdr.Timestamp); err != nil {
		return SqrtPriceAt{}, fmt.Errorf("pricecache: upsert: %w", err)
	}
	return SqrtPriceAt{SqrtPriceX96: sqrtPriceX96, Tick: tick, BlockTimestamp: hdr.Timestamp}, nil
}

// GetSqrtPricesAt is the batched variant: each
// lookup is independent, so failures are isolated per-item instead of
// aborting the batch.
func (c *Cache) GetSqrtPricesAt(ctx context.Context, reqs []PriceRequest) []PriceResult {
	out := make([]PriceResult, len(reqs))
	for i, r := range reqs {
		price, err := c.GetSqrtPriceAt(ctx, r.Chain, r.Pool, r.Block)
		out[i] = PriceResult{Request: r, Price: price, Err: err}
	}
	return out
}
