package blockinfo

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackhole-labs/position-ledger/internal/chain"
	"github.com/blackhole-labs/position-ledger/internal/chainreg"
	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/model"
)

// fakeClient simulates a chain with one block per second starting at
// genesis, plus an optional "finalized" tag response, so
// BlockAtOrBefore's binary search has real monotonic timestamps to
// walk.
type fakeClient struct {
	latest       uint64
	genesisUnix  int64
	finalized    *uint64
	finalizedErr error
	headerErrAt  map[uint64]error
}

func (f *fakeClient) timestampFor(n uint64) time.Time {
	return time.Unix(f.genesisUnix+int64(n), 0)
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (model.BlockHeader, error) {
	if number != nil && number.Cmp(big.NewInt(int64(rpc.FinalizedBlockNumber))) == 0 {
		if f.finalizedErr != nil {
			return model.BlockHeader{}, f.finalizedErr
		}
		if f.finalized == nil {
			return model.BlockHeader{}, errors.New("no finalized block tag available")
		}
		return model.BlockHeader{Number: *f.finalized, Timestamp: f.timestampFor(*f.finalized)}, nil
	}
	n := number.Uint64()
	if err, ok := f.headerErrAt[n]; ok {
		return model.BlockHeader{}, err
	}
	return model.BlockHeader{Number: n, Timestamp: f.timestampFor(n)}, nil
}

func (f *fakeClient) LatestHeader(ctx context.Context) (model.BlockHeader, error) {
	return model.BlockHeader{Number: f.latest, Timestamp: f.timestampFor(f.latest)}, nil
}
func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]model.Log, error) {
	return nil, nil
}
func (f *fakeClient) Call(ctx context.Context, contract common.Address, a *abi.ABI, method string, out interface{}, args ...interface{}) error {
	return nil
}
func (f *fakeClient) CallAtBlock(ctx context.Context, block uint64, contract common.Address, a *abi.ABI, method string, out interface{}, args ...interface{}) error {
	return nil
}

func registryWith(t *testing.T, entry chainreg.ChainEntry) *chainreg.Registry {
	t.Helper()
	return &chainreg.Registry{Chains: map[string]chainreg.ChainEntry{"ethereum": entry}}
}

func TestBlockAtOrBeforeFindsExactBlock(t *testing.T) {
	cl := &fakeClient{latest: 1000}
	svc := New(registryWith(t, chainreg.ChainEntry{}), map[string]chain.Client{"ethereum": cl})

	block, err := svc.BlockAtOrBefore(context.Background(), cl.timestampFor(500).Unix(), "ethereum")
	require.NoError(t, err)
	assert.EqualValues(t, 500, block)
}

func TestBlockAtOrBeforeAfterLatestReturnsLatest(t *testing.T) {
	cl := &fakeClient{latest: 1000}
	svc := New(registryWith(t, chainreg.ChainEntry{}), map[string]chain.Client{"ethereum": cl})

	block, err := svc.BlockAtOrBefore(context.Background(), cl.timestampFor(5000).Unix(), "ethereum")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, block, "BlockAtOrBefore past the chain tip should return latest")
}

func TestBlockAtOrBeforeBeforeGenesisReturnsZero(t *testing.T) {
	cl := &fakeClient{latest: 1000, genesisUnix: 1_000_000}
	svc := New(registryWith(t, chainreg.ChainEntry{}), map[string]chain.Client{"ethereum": cl})

	block, err := svc.BlockAtOrBefore(context.Background(), 0, "ethereum")
	require.NoError(t, err)
	assert.Zero(t, block, "BlockAtOrBefore before genesis")
}

func TestLatestBlock(t *testing.T) {
	cl := &fakeClient{latest: 777}
	svc := New(registryWith(t, chainreg.ChainEntry{}), map[string]chain.Client{"ethereum": cl})
	got, err := svc.LatestBlock(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.EqualValues(t, 777, got)
}

func TestLatestBlockUnknownChain(t *testing.T) {
	svc := New(registryWith(t, chainreg.ChainEntry{}), map[string]chain.Client{})
	_, err := svc.LatestBlock(context.Background(), "unknown")
	assert.Error(t, err, "expected an error for an unregistered chain client")
}

func TestLastFinalizedBlockTag(t *testing.T) {
	finalized := uint64(900)
	cl := &fakeClient{latest: 1000, finalized: &finalized}
	entry := chainreg.ChainEntry{Finality: chainreg.FinalityPolicy{Kind: chainreg.FinalityBlockTag}}
	svc := New(registryWith(t, entry), map[string]chain.Client{"ethereum": cl})

	got, err := svc.LastFinalizedBlock(context.Background(), "ethereum")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 900, *got)
}

func TestLastFinalizedBlockTagMissingIsFinalityBoundaryMissing(t *testing.T) {
	cl := &fakeClient{latest: 1000, finalizedErr: errors.New("no finalized tag")}
	entry := chainreg.ChainEntry{Finality: chainreg.FinalityPolicy{Kind: chainreg.FinalityBlockTag}}
	svc := New(registryWith(t, entry), map[string]chain.Client{"ethereum": cl})

	_, err := svc.LastFinalizedBlock(context.Background(), "ethereum")
	assert.Error(t, err, "expected an error when the chain has no finalized tag yet")
	assert.Equal(t, errs.FinalityBoundaryMissing, errs.KindOf(err), "error kind")
}

func TestLastFinalizedBlockConfirmations(t *testing.T) {
	cl := &fakeClient{latest: 1000}
	entry := chainreg.ChainEntry{Finality: chainreg.FinalityPolicy{Kind: chainreg.FinalityConfirmations, Confirmations: 64}}
	svc := New(registryWith(t, entry), map[string]chain.Client{"ethereum": cl})

	got, err := svc.LastFinalizedBlock(context.Background(), "ethereum")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 936, *got)
}

func TestLastFinalizedBlockConfirmationsBeforeEnoughBlocks(t *testing.T) {
	cl := &fakeClient{latest: 10}
	entry := chainreg.ChainEntry{Finality: chainreg.FinalityPolicy{Kind: chainreg.FinalityConfirmations, Confirmations: 64}}
	svc := New(registryWith(t, entry), map[string]chain.Client{"ethereum": cl})

	got, err := svc.LastFinalizedBlock(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Nil(t, got, "LastFinalizedBlock with too few blocks")
}

func TestIsFinal(t *testing.T) {
	cl := &fakeClient{latest: 1000}
	entry := chainreg.ChainEntry{Finality: chainreg.FinalityPolicy{Kind: chainreg.FinalityConfirmations, Confirmations: 64}}
	svc := New(registryWith(t, entry), map[string]chain.Client{"ethereum": cl})

	final, err := svc.IsFinal(context.Background(), 900, "ethereum")
	require.NoError(t, err)
	assert.True(t, final, "expected block 900 to be final at tip 1000 with 64 confirmations")

	notFinal, err := svc.IsFinal(context.Background(), 990, "ethereum")
	require.NoError(t, err)
	assert.False(t, notFinal, "expected block 990 to not yet be final at tip 1000 with 64 confirmations")
}
