// Package eventfetch implements the Event Fetcher: pull
// IncreaseLiquidity/DecreaseLiquidity/Collect logs for one position
// NFT, filtered by its tokenId in topic1, decode the non-indexed ABI
// payload, de-duplicate by (tx_hash, log_index), and sort by the
// ledger's ordering triple. It keeps no state between calls, mirroring
// the teacher's MintNftTokenId's one-shot "parse this receipt and
// return" style rather than a stateful subscription.
package eventfetch

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/blackhole-labs/position-ledger/internal/chain"
	"github.com/blackhole-labs/position-ledger/internal/model"
)

// Canonical 32-byte topic0 hashes for the NonfungiblePositionManager's
// liquidity/collect events.
var (
	TopicIncreaseLiquidity = common.HexToHash("0x3067048beee31b25b2f1681f88dac838c8bba36af25bfb2b7cf7473a5847e35f")
	TopicDecreaseLiquidity = common.HexToHash("0x26f6a048ee9138f2c0ce266f322cb99228e8d619ae2bff30c67f8dcf9d2377b4")
	TopicCollect           = common.HexToHash("0x40d0efd1a53d60ecbf40971b9daf7dc90178c3aadc7aab1765632738fa8b8f01")
)

var (
	increaseDecreaseArgs abi.Arguments
	collectArgs          abi.Arguments
)

func init() {
	uint128, _ := abi.NewType("uint128", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	addressT, _ := abi.NewType("address", "", nil)

	increaseDecreaseArgs = abi.Arguments{
		{Name: "liquidity", Type: uint128},
		{Name: "amount0", Type: uint256T},
		{Name: "amount1", Type: uint256T},
	}
	collectArgs = abi.Arguments{
		{Name: "recipient", Type: addressT},
		{Name: "amount0", Type: uint256T},
		{Name: "amount1", Type: uint256T},
	}
}

// RawEvent is one decoded, not-yet-valued position event.
type RawEvent struct {
	OrderKey        model.OrderKey
	EventType       model.EventType
	BlockTimestamp  uint64
	TransactionHash string
	Liquidity       *big.Int // 0 for COLLECT
	Amount0         *big.Int
	Amount1         *big.Int
}

// Fetcher is the capability the Ledger Engine needs to pull new events.
type Fetcher interface {
	FetchEvents(ctx context.Context, chainName string, positionManager common.Address, nftID *big.Int, fromBlock, toBlock uint64) ([]RawEvent, error)
}

// ChainFetcher is the production Fetcher, backed by a chain.Client.
type ChainFetcher struct {
	clients map[string]chain.Client
}

// New builds a ChainFetcher from a client-per-chain map.
func New(clients map[string]chain.Client) *ChainFetcher {
	return &ChainFetcher{clients: clients}
}

// FetchEvents pulls and decodes every liquidity/collect log for one
// position NFT within [fromBlock, toBlock].
func (f *ChainFetcher) FetchEvents(ctx context.Context, chainName string, positionManager common.Address, nftID *big.Int, fromBlock, toBlock uint64) ([]RawEvent, error) {
	c, ok := f.clients[chainName]
	if !ok {
		return nil, fmt.Errorf("eventfetch: no chain client registered for %q", chainName)
	}

	tokenIDTopic := common.BigToHash(nftID)
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{positionManager},
		Topics: [][]common.Hash{
			{TopicIncreaseLiquidity, TopicDecreaseLiquidity, TopicCollect},
			{tokenIDTopic},
		},
	}

	logs, err := c.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("eventfetch: FetchEvents: %w", err)
	}

	seen := make(map[string]struct{}, len(logs))
	out := make([]RawEvent, 0, len(logs))
	for _, l := range logs {
		key := l.TransactionHash + "#" + fmt.Sprint(l.LogIdx)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		ev, err := decode(l)
		if err != nil {
			return nil, fmt.Errorf("eventfetch: decode log %s: %w", key, err)
		}
		out = append(out, ev)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey.Less(out[j].OrderKey) })
	return out, nil
}

func decode(l model.Log) (RawEvent, error) {
	if len(l.Topics) == 0 {
		return RawEvent{}, fmt.Errorf("log has no topics")
	}
	topic0 := common.HexToHash(l.Topics[0])

	ok := model.OrderKey{
		Block:          l.BlockNumber,
		TransactionIdx: l.TransactionIdx,
		LogIdx:         l.LogIdx,
	}

	switch topic0 {
	case TopicIncreaseLiquidity, TopicDecreaseLiquidity:
		values, err := increaseDecreaseArgs.Unpack(l.Data)
		if err != nil {
			return RawEvent{}, fmt.Errorf("unpack increase/decrease: %w", err)
		}
		eventType := model.EventIncreaseLiquidity
		if topic0 == TopicDecreaseLiquidity {
			eventType = model.EventDecreaseLiquidity
		}
		return RawEvent{
			OrderKey:        ok,
			EventType:       eventType,
			TransactionHash: l.TransactionHash,
			Liquidity:       values[0].(*big.Int),
			Amount0:         values[1].(*big.Int),
			Amount1:         values[2].(*big.Int),
		}, nil

	case TopicCollect:
		values, err := collectArgs.Unpack(l.Data)
		if err != nil {
			return RawEvent{}, fmt.Errorf("unpack collect: %w", err)
		}
		return RawEvent{
			OrderKey:        ok,
			EventType:       model.EventCollect,
			TransactionHash: l.TransactionHash,
			Liquidity:       big.NewInt(0),
			Amount0:         values[1].(*big.Int),
			Amount1:         values[2].(*big.Int),
		}, nil

	default:
		return RawEvent{}, fmt.Errorf("eventfetch: unknown topic0 %s", topic0.Hex())
	}
}
