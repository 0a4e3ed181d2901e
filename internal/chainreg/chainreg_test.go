package chainreg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
chains:
  ethereum:
    name: ethereum
    chain_id: 1
    rpc_url: https://rpc.example/eth
    factory_address: "0xfactory"
    position_manager_address: "0xnpm"
    finality:
      kind: block_tag
    rate_limit:
      min_spacing: 100ms
      max_in_flight: 8
  arbitrum:
    name: arbitrum
    chain_id: 42161
    rpc_url: https://rpc.example/arb
    factory_address: "0xfactory2"
    position_manager_address: "0xnpm2"
    finality:
      kind: confirmations
      confirmations: 64
    rate_limit:
      min_spacing: 50ms
      max_in_flight: 16
`

func writeTempRegistry(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesChainEntries(t *testing.T) {
	path := writeTempRegistry(t, sampleYAML)
	reg, err := Load(path)
	require.NoError(t, err)

	eth, err := reg.Get("ethereum")
	require.NoError(t, err)
	assert.EqualValues(t, 1, eth.ChainID, "ethereum chain_id")
	assert.Equal(t, FinalityBlockTag, eth.Finality.Kind, "ethereum finality kind")
	assert.Equal(t, 100*time.Millisecond, eth.RateLimit.MinSpacing, "ethereum min_spacing")

	arb, err := reg.Get("arbitrum")
	require.NoError(t, err)
	assert.Equal(t, FinalityConfirmations, arb.Finality.Kind, "arbitrum finality kind")
	assert.EqualValues(t, 64, arb.Finality.Confirmations, "arbitrum confirmations")
}

func TestGetUnknownChain(t *testing.T) {
	path := writeTempRegistry(t, sampleYAML)
	reg, err := Load(path)
	require.NoError(t, err)
	_, err = reg.Get("optimism")
	assert.Error(t, err, "expected error for an unregistered chain")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	assert.Error(t, err, "expected error loading a nonexistent registry file")
}

func TestExplorerAPIKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_EXPLORER_KEY", "secret123")
	entry := ChainEntry{ExplorerAPIKeyEnv: "TEST_EXPLORER_KEY"}
	assert.Equal(t, "secret123", entry.ExplorerAPIKey())

	unset := ChainEntry{}
	assert.Empty(t, unset.ExplorerAPIKey(), "ExplorerAPIKey() with no env var configured")
}
