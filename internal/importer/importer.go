// Package importer implements Import/Lookup: bringing an existing
// on-chain position NFT under ledger management, either by its known
// token id or by walking an owner's NFT balance for candidates not yet
// tracked. It follows the same balanceOf → tokenOfOwnerByIndex →
// positions(tokenId) walk the pack's uniswap-v3 fetcher uses for a
// wallet's owned positions, adapted to also resolve the pool address
// (via the factory's getPool) and the quote-token side (via
// internal/quote) for each discovered position.
package importer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/blackhole-labs/position-ledger/internal/chain"
	"github.com/blackhole-labs/position-ledger/internal/chainreg"
	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/eventfetch"
	"github.com/blackhole-labs/position-ledger/internal/model"
	"github.com/blackhole-labs/position-ledger/internal/quote"
	"github.com/blackhole-labs/position-ledger/internal/store"
)

const positionManagerABIJson = `[
{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"positions","outputs":[
{"internalType":"uint96","name":"nonce","type":"uint96"},
{"internalType":"address","name":"operator","type":"address"},
{"internalType":"address","name":"token0","type":"address"},
{"internalType":"address","name":"token1","type":"address"},
{"internalType":"uint24","name":"fee","type":"uint24"},
{"internalType":"int24","name":"tickLower","type":"int24"},
{"internalType":"int24","name":"tickUpper","type":"int24"},
{"internalType":"uint128","name":"liquidity","type":"uint128"},
{"internalType":"uint256","name":"feeGrowthInside0LastX128","type":"uint256"},
{"internalType":"uint256","name":"feeGrowthInside1LastX128","type":"uint256"},
{"internalType":"uint128","name":"tokensOwed0","type":"uint128"},
{"internalType":"uint128","name":"tokensOwed1","type":"uint128"}],
"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"index","type":"uint256"}],"name":"tokenOfOwnerByIndex","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const factoryABIJson = `[{"inputs":[{"internalType":"address","name":"tokenA","type":"address"},{"internalType":"address","name":"tokenB","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"}],"name":"getPool","outputs":[{"internalType":"address","name":"pool","type":"address"}],"stateMutability":"view","type":"function"}]`

const poolMetaABIJson = `[{"inputs":[],"name":"tickSpacing","outputs":[{"internalType":"int24","name":"","type":"int24"}],"stateMutability":"view","type":"function"}]`

const erc20ABIJson = `[
{"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var (
	npmABI     *abi.ABI
	factoryABI *abi.ABI
	poolABI    *abi.ABI
	erc20ABI   *abi.ABI
)

func init() {
	for _, pair := range []struct {
		json string
		dst  **abi.ABI
	}{
		{positionManagerABIJson, &npmABI},
		{factoryABIJson, &factoryABI},
		{poolMetaABIJson, &poolABI},
		{erc20ABIJson, &erc20ABI},
	} {
		a, err := abi.JSON(strings.NewReader(pair.json))
		if err != nil {
			panic("importer: invalid embedded ABI: " + err.Error())
		}
		*pair.dst = &a
	}
}

type positionsResult struct {
	Nonce                    *big.Int
	Operator                 common.Address
	Token0                   common.Address
	Token1                   common.Address
	Fee                      *big.Int
	TickLower                *big.Int
	TickUpper                *big.Int
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

// Service is the production Import/Lookup service.
type Service struct {
	store   *store.Store
	clients map[string]chain.Client
	reg     *chainreg.Registry
}

// New builds a Service from its dependencies.
func New(st *store.Store, clients map[string]chain.Client, reg *chainreg.Registry) *Service {
	return &Service{store: st, clients: clients, reg: reg}
}

// ImportByNFT brings one position NFT under ledger management. If the
// token has since been burned and positions(tokenId) reverts, it walks
// the NFT's historical events to find the last block it existed at and
// reads its state there instead, classifying the position closed.
func (s *Service) ImportByNFT(ctx context.Context, userID, chainName, protocol, nftID string) (*model.Position, error) {
	entry, err := s.reg.Get(chainName)
	if err != nil {
		return nil, fmt.Errorf("importer: ImportByNFT: %w", err)
	}
	cl, ok := s.clients[chainName]
	if !ok {
		return nil, errs.New(errs.NotFound, "importer.ImportByNFT", fmt.Errorf("no chain client registered for %q", chainName))
	}
	positionManager := common.HexToAddress(entry.PositionManagerAddr)

	nftIDBig, ok := new(big.Int).SetString(nftID, 10)
	if !ok {
		return nil, errs.New(errs.Validation, "importer.ImportByNFT", fmt.Errorf("invalid nft id %q", nftID))
	}

	var pos positionsResult
	var owner string
	burned := false

	if err := cl.Call(ctx, positionManager, npmABI, "positions", &pos, nftIDBig); err != nil {
		burned = true
		block, walkErr := s.lastEventBlock(ctx, cl, positionManager, nftIDBig)
		if walkErr != nil {
			return nil, errs.New(errs.NotFound, "importer.ImportByNFT",
				fmt.Errorf("positions(%s) reverted (%v) and no historical event found: %w", nftID, err, walkErr))
		}
		if err := cl.CallAtBlock(ctx, block, positionManager, npmABI, "positions", &pos, nftIDBig); err != nil {
			return nil, fmt.Errorf("importer: ImportByNFT: historical positions(%s) at block %d: %w", nftID, block, err)
		}
		var ownerOut common.Address
		if err := cl.CallAtBlock(ctx, block, positionManager, npmABI, "ownerOf", &ownerOut, nftIDBig); err != nil {
			return nil, fmt.Errorf("importer: ImportByNFT: historical ownerOf(%s) at block %d: %w", nftID, block, err)
		}
		owner = ownerOut.Hex()
	} else {
		var ownerOut common.Address
		if err := cl.Call(ctx, positionManager, npmABI, "ownerOf", &ownerOut, nftIDBig); err != nil {
			return nil, fmt.Errorf("importer: ImportByNFT: ownerOf(%s): %w", nftID, err)
		}
		owner = ownerOut.Hex()
	}

	var poolAddr common.Address
	if err := cl.Call(ctx, common.HexToAddress(entry.FactoryAddr), factoryABI, "getPool", &poolAddr, pos.Token0, pos.Token1, pos.Fee); err != nil {
		return nil, fmt.Errorf("importer: ImportByNFT: getPool: %w", err)
	}
	tickSpacing, err := s.poolTickSpacing(ctx, cl, poolAddr)
	if err != nil {
		return nil, fmt.Errorf("importer: ImportByNFT: %w", err)
	}

	token0Symbol, err := s.syncToken(ctx, cl, chainName, pos.Token0)
	if err != nil {
		return nil, fmt.Errorf("importer: ImportByNFT: %w", err)
	}
	token1Symbol, err := s.syncToken(ctx, cl, chainName, pos.Token1)
	if err != nil {
		return nil, fmt.Errorf("importer: ImportByNFT: %w", err)
	}
	token0IsQuote := quote.Token0IsQuote(token0Symbol, token1Symbol, entry.WrappedNativeAddr, pos.Token0.Hex(), pos.Token1.Hex())

	liquidity, overflow := uint256.FromBig(pos.Liquidity)
	if overflow {
		return nil, fmt.Errorf("importer: ImportByNFT: liquidity %s overflows u256", pos.Liquidity)
	}
	status := model.StatusActive
	if liquidity.IsZero() || burned {
		status = model.StatusClosed
	}

	if err := s.store.UpsertPool(ctx, model.Pool{
		Chain: chainName, Address: poolAddr.Hex(), Protocol: protocol,
		Fee: uint32(pos.Fee.Uint64()), TickSpacing: tickSpacing,
		Token0: pos.Token0.Hex(), Token1: pos.Token1.Hex(),
	}); err != nil {
		return nil, fmt.Errorf("importer: ImportByNFT: upsert pool: %w", err)
	}

	position := &model.Position{
		UserID:        userID,
		Chain:         chainName,
		Protocol:      protocol,
		NFTID:         nftID,
		TickLower:     int32(pos.TickLower.Int64()),
		TickUpper:     int32(pos.TickUpper.Int64()),
		Liquidity:     liquidity,
		Token0IsQuote: token0IsQuote,
		Owner:         owner,
		ImportType:    model.ImportNFT,
		Status:        status,
		Pool:          model.PoolRef{Chain: chainName, Address: poolAddr.Hex()},
	}
	if err := s.store.UpsertPosition(ctx, position); err != nil {
		return nil, fmt.Errorf("importer: ImportByNFT: upsert position: %w", err)
	}
	return position, nil
}

// DiscoverByOwner walks an owner's NonfungiblePositionManager balance
// from the newest token backward, skipping positions the user has
// already imported, and returns up to limit unpersisted candidates.
func (s *Service) DiscoverByOwner(ctx context.Context, userID, chainName, protocol, owner string, limit int) ([]model.Candidate, error) {
	entry, err := s.reg.Get(chainName)
	if err != nil {
		return nil, fmt.Errorf("importer: DiscoverByOwner: %w", err)
	}
	cl, ok := s.clients[chainName]
	if !ok {
		return nil, errs.New(errs.NotFound, "importer.DiscoverByOwner", fmt.Errorf("no chain client registered for %q", chainName))
	}
	positionManager := common.HexToAddress(entry.PositionManagerAddr)
	ownerAddr := common.HexToAddress(owner)

	var balance *big.Int
	if err := cl.Call(ctx, positionManager, npmABI, "balanceOf", &balance, ownerAddr); err != nil {
		return nil, fmt.Errorf("importer: DiscoverByOwner: balanceOf(%s): %w", owner, err)
	}

	candidates := make([]model.Candidate, 0, limit)
	for i := balance.Int64() - 1; i >= 0 && len(candidates) < limit; i-- {
		var tokenID *big.Int
		if err := cl.Call(ctx, positionManager, npmABI, "tokenOfOwnerByIndex", &tokenID, ownerAddr, big.NewInt(i)); err != nil {
			return nil, fmt.Errorf("importer: DiscoverByOwner: tokenOfOwnerByIndex(%s, %d): %w", owner, i, err)
		}
		nftID := tokenID.String()

		already, err := s.store.ExistingNFTIDs(ctx, userID, chainName, protocol, []string{nftID})
		if err != nil {
			return nil, fmt.Errorf("importer: DiscoverByOwner: %w", err)
		}
		if _, skip := already[nftID]; skip {
			continue
		}

		var pos positionsResult
		if err := cl.Call(ctx, positionManager, npmABI, "positions", &pos, tokenID); err != nil {
			continue
		}
		token0Symbol, _ := s.tokenSymbol(ctx, cl, pos.Token0)
		token1Symbol, _ := s.tokenSymbol(ctx, cl, pos.Token1)

		liquidity, overflow := uint256.FromBig(pos.Liquidity)
		if overflow {
			continue
		}
		status := model.StatusActive
		if liquidity.IsZero() {
			status = model.StatusClosed
		}

		candidates = append(candidates, model.Candidate{
			Chain:        chainName,
			Protocol:     protocol,
			NFTID:        nftID,
			Token0Symbol: token0Symbol,
			Token1Symbol: token1Symbol,
			Fee:          uint32(pos.Fee.Uint64()),
			TickLower:    int32(pos.TickLower.Int64()),
			TickUpper:    int32(pos.TickUpper.Int64()),
			Liquidity:    liquidity,
			Status:       status,
		})
	}
	return candidates, nil
}

// lastEventBlock finds the highest block at which tokenId emitted an
// Increase/Decrease/Collect event, used to pin a historical eth_call
// once the token has been burned and present-tense reads revert.
func (s *Service) lastEventBlock(ctx context.Context, cl chain.Client, positionManager common.Address, nftIDBig *big.Int) (uint64, error) {
	latest, err := cl.LatestHeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		ToBlock:   new(big.Int).SetUint64(latest.Number),
		Addresses: []common.Address{positionManager},
		Topics: [][]common.Hash{
			{eventfetch.TopicIncreaseLiquidity, eventfetch.TopicDecreaseLiquidity, eventfetch.TopicCollect},
			{common.BigToHash(nftIDBig)},
		},
	}
	logs, err := cl.FilterLogs(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("filter logs: %w", err)
	}
	if len(logs) == 0 {
		return 0, fmt.Errorf("no historical events found for token %s", nftIDBig)
	}
	var maxBlock uint64
	for _, l := range logs {
		if l.BlockNumber > maxBlock {
			maxBlock = l.BlockNumber
		}
	}
	return maxBlock, nil
}

func (s *Service) poolTickSpacing(ctx context.Context, cl chain.Client, poolAddr common.Address) (int32, error) {
	var spacing *big.Int
	if err := cl.Call(ctx, poolAddr, poolABI, "tickSpacing", &spacing); err != nil {
		return 0, fmt.Errorf("tickSpacing(%s): %w", poolAddr.Hex(), err)
	}
	return int32(spacing.Int64()), nil
}

func (s *Service) tokenSymbol(ctx context.Context, cl chain.Client, addr common.Address) (string, error) {
	var symbol string
	if err := cl.Call(ctx, addr, erc20ABI, "symbol", &symbol); err != nil {
		return "", fmt.Errorf("symbol(%s): %w", addr.Hex(), err)
	}
	return symbol, nil
}

// syncToken reads an ERC20's symbol/decimals and upserts the shared
// token record, returning the symbol for the quote-side decision.
func (s *Service) syncToken(ctx context.Context, cl chain.Client, chainName string, addr common.Address) (string, error) {
	symbol, err := s.tokenSymbol(ctx, cl, addr)
	if err != nil {
		return "", err
	}
	var decimals uint8
	if err := cl.Call(ctx, addr, erc20ABI, "decimals", &decimals); err != nil {
		return "", fmt.Errorf("decimals(%s): %w", addr.Hex(), err)
	}
	if err := s.store.UpsertToken(ctx, model.Token{
		Chain: chainName, Address: addr.Hex(), Symbol: symbol, Decimals: decimals, Verified: true,
	}); err != nil {
		return "", fmt.Errorf("upsert token %s: %w", addr.Hex(), err)
	}
	return symbol, nil
}
