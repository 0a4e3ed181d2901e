// Package rpcsched implements the process-wide, per-chain RPC
// scheduler: a bounded-in-flight, minimum-spacing limiter wrapping
// every outbound call, with
// exponential backoff and jitter retrying TransientRpcError up to a
// fixed attempt cap. This replaces the "retry-and-rate-limit helper
// wrapped around fetch" pattern from the design notes with one
// process-wide scheduler keyed per chain/host.
package rpcsched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/obs"
)

// Config controls one chain's scheduler instance.
type Config struct {
	MinSpacing  time.Duration
	MaxInFlight int
	MaxAttempts uint64
}

// DefaultConfig is a conservative default: modest spacing, a small
// in-flight cap, and a handful of retry attempts.
func DefaultConfig() Config {
	return Config{
		MinSpacing:  200 * time.Millisecond,
		MaxInFlight: 8,
		MaxAttempts: 5,
	}
}

// Scheduler rate-limits and retries calls for a single chain.
type Scheduler struct {
	chain    string
	limiter  *rate.Limiter
	inFlight chan struct{}
	cfg      Config
	counters *obs.ChainCounters
}

// New builds a Scheduler for one chain.
func New(chain string, cfg Config, counters *obs.ChainCounters) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	interval := cfg.MinSpacing
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Scheduler{
		chain:    chain,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		inFlight: make(chan struct{}, cfg.MaxInFlight),
		cfg:      cfg,
		counters: counters,
	}
}

// Do runs fn under the rate limiter and in-flight cap, retrying
// errs.TransientRPC failures with exponential backoff and jitter up
// to cfg.MaxAttempts attempts. A 30-second per-attempt ceiling
// is the caller's responsibility via ctx.
func (s *Scheduler) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case s.inFlight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.inFlight }()

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	attempts := uint64(0)

	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			if s.counters != nil {
				s.counters.Record(s.chain, obs.OutcomeSuccess)
			}
			return nil
		}
		if !errs.Retryable(err) {
			if s.counters != nil {
				s.counters.Record(s.chain, obs.OutcomeFatal)
			}
			return backoff.Permanent(err)
		}
		if attempts >= s.cfg.MaxAttempts {
			if s.counters != nil {
				s.counters.Record(s.chain, obs.OutcomeFatal)
			}
			return backoff.Permanent(fmt.Errorf("%s: exhausted %d attempts: %w", op, attempts, err))
		}
		if s.counters != nil {
			s.counters.Record(s.chain, obs.OutcomeRetry)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// Registry is a tiny registry so a single process can share one
// Scheduler per chain across all callers.
type Registry struct {
	mu   sync.Mutex
	byChain map[string]*Scheduler
	counters *obs.ChainCounters
}

// NewRegistry builds an empty per-chain scheduler registry.
func NewRegistry(counters *obs.ChainCounters) *Registry {
	return &Registry{byChain: make(map[string]*Scheduler), counters: counters}
}

// For returns the Scheduler for chain, creating it from cfg on first use.
func (r *Registry) For(chain string, cfg Config) *Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byChain[chain]; ok {
		return s
	}
	s := New(chain, cfg, r.counters)
	r.byChain[chain] = s
	return s
}
