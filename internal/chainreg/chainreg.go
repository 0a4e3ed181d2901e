// Package chainreg loads the per-chain registry from YAML the way the
// teacher's configs package loads config.yml with gopkg.in/yaml.v3,
// but the schema here describes EVM chains rather than a single
// DEX's contract addresses: RPC URL, explorer, finality policy and
// rate limits, centralizing per-chain confirmation counts that were
// otherwise scattered across chains in the source material.
package chainreg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FinalityKind selects how a chain reports finalized blocks.
type FinalityKind string

const (
	// FinalityBlockTag trusts the node's "finalized" block tag.
	FinalityBlockTag FinalityKind = "block_tag"
	// FinalityConfirmations derives finality as latest.number - N.
	FinalityConfirmations FinalityKind = "confirmations"
)

// FinalityPolicy describes how a chain's finality boundary is computed.
type FinalityPolicy struct {
	Kind          FinalityKind `yaml:"kind"`
	Confirmations uint64       `yaml:"confirmations"`
}

// RateLimit bounds outbound RPC traffic for one chain.
type RateLimit struct {
	MinSpacing    time.Duration `yaml:"min_spacing"`
	MaxInFlight   int           `yaml:"max_in_flight"`
}

// ChainEntry is one chain's full registry record.
type ChainEntry struct {
	Name                string         `yaml:"name"`
	ChainID             uint64         `yaml:"chain_id"`
	RPCURL              string         `yaml:"rpc_url"`
	ExplorerBaseURL     string         `yaml:"explorer_base_url"`
	ExplorerAPIKeyEnv   string         `yaml:"explorer_api_key_env"`
	WrappedNativeAddr   string         `yaml:"wrapped_native_address"`
	FactoryAddr         string         `yaml:"factory_address"`
	PositionManagerAddr string         `yaml:"position_manager_address"`
	Finality            FinalityPolicy `yaml:"finality"`
	RateLimit           RateLimit      `yaml:"rate_limit"`
}

// ExplorerAPIKey reads the explorer API key from the environment
// variable named in the entry, returning "" if unset.
func (c ChainEntry) ExplorerAPIKey() string {
	if c.ExplorerAPIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.ExplorerAPIKeyEnv)
}

// Registry maps chain name to its entry.
type Registry struct {
	Chains map[string]ChainEntry `yaml:"chains"`
}

// Get looks up a chain by name.
func (r *Registry) Get(chain string) (ChainEntry, error) {
	e, ok := r.Chains[chain]
	if !ok {
		return ChainEntry{}, fmt.Errorf("chainreg: unknown chain %q", chain)
	}
	return e, nil
}

// Load reads and parses a chain registry YAML file, following the
// teacher's LoadConfig(path) pattern.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain registry file: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse chain registry YAML: %w", err)
	}
	return &reg, nil
}
