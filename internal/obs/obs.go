// Package obs wires structured logging and lightweight RPC call
// counters. Logging follows the zap.SugaredLogger pattern used
// throughout the pack's Uniswap v3 fetcher: Debugw for every outbound
// call, Infow for completed operations, Warnw for tolerated partial
// failures.
package obs

import (
	"sync"

	"go.uber.org/zap"
)

// NewLogger builds a development-friendly sugared logger
// (zap.NewDevelopment); cmd/ledgerd uses it in every environment.
func NewLogger() (*zap.SugaredLogger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// CallOutcome categorizes one completed RPC attempt for the counters below.
type CallOutcome string

const (
	OutcomeSuccess CallOutcome = "success"
	OutcomeRetry   CallOutcome = "retry"
	OutcomeFatal   CallOutcome = "fatal"
)

// ChainCounters tracks per-chain RPC call outcomes so the scheduler has
// something concrete to log when it trips its retry cap. This is
// observability plumbing only; it carries no invariant of its own.
type ChainCounters struct {
	mu     sync.Mutex
	counts map[string]map[CallOutcome]uint64
}

// NewChainCounters builds an empty counter set.
func NewChainCounters() *ChainCounters {
	return &ChainCounters{counts: make(map[string]map[CallOutcome]uint64)}
}

// Record increments the counter for (chain, outcome).
func (c *ChainCounters) Record(chain string, outcome CallOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.counts[chain]
	if !ok {
		m = make(map[CallOutcome]uint64)
		c.counts[chain] = m
	}
	m[outcome]++
}

// Snapshot returns a copy of the counters for the given chain.
func (c *ChainCounters) Snapshot(chain string) map[CallOutcome]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[CallOutcome]uint64, len(c.counts[chain]))
	for k, v := range c.counts[chain] {
		out[k] = v
	}
	return out
}
