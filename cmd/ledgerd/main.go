// Command ledgerd is the position-ledger daemon: it loads the chain
// registry and database DSN from the environment, dials one RPC
// client per chain, wires the Event Fetcher, Pool Price Cache, Block
// Info Service, Ledger Engine, PnL Aggregator, Curve Cache and
// Import/Lookup service together behind pkg/ledgerapi, and serves
// them over a small HTTP surface, following the usual construction
// order for this kind of daemon: env vars, then config, then the
// store, then RPC dials, then the domain object.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/blackhole-labs/position-ledger/internal/blockinfo"
	"github.com/blackhole-labs/position-ledger/internal/chain"
	"github.com/blackhole-labs/position-ledger/internal/chainreg"
	"github.com/blackhole-labs/position-ledger/internal/clock"
	"github.com/blackhole-labs/position-ledger/internal/curve"
	"github.com/blackhole-labs/position-ledger/internal/errs"
	"github.com/blackhole-labs/position-ledger/internal/eventfetch"
	"github.com/blackhole-labs/position-ledger/internal/importer"
	"github.com/blackhole-labs/position-ledger/internal/ledger"
	"github.com/blackhole-labs/position-ledger/internal/lockset"
	"github.com/blackhole-labs/position-ledger/internal/obs"
	"github.com/blackhole-labs/position-ledger/internal/pnl"
	"github.com/blackhole-labs/position-ledger/internal/pricecache"
	"github.com/blackhole-labs/position-ledger/internal/rpcsched"
	"github.com/blackhole-labs/position-ledger/internal/store"
	"github.com/blackhole-labs/position-ledger/pkg/ledgerapi"
)

const defaultL1CacheBytes = 64 * 1024 * 1024

func main() {
	_ = godotenv.Load()
	log, err := obs.NewLogger()
	if err != nil {
		panic(err)
	}

	registryPath := os.Getenv("CHAIN_REGISTRY_PATH")
	if registryPath == "" {
		registryPath = "configs/chains.yml"
	}
	reg, err := chainreg.Load(registryPath)
	if err != nil {
		log.Fatalw("failed to load chain registry", "path", registryPath, "error", err)
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		log.Fatalw("DATABASE_DSN not set")
	}
	st, err := store.NewStore(dsn)
	if err != nil {
		log.Fatalw("failed to open store", "error", err)
	}

	counters := obs.NewChainCounters()
	schedRegistry := rpcsched.NewRegistry(counters)

	clients := make(map[string]chain.Client, len(reg.Chains))
	for name, entry := range reg.Chains {
		raw, err := ethclient.Dial(entry.RPCURL)
		if err != nil {
			log.Fatalw("failed to dial chain RPC", "chain", name, "url", entry.RPCURL, "error", err)
		}
		cfg := rpcsched.DefaultConfig()
		if entry.RateLimit.MinSpacing > 0 {
			cfg.MinSpacing = entry.RateLimit.MinSpacing
		}
		if entry.RateLimit.MaxInFlight > 0 {
			cfg.MaxInFlight = entry.RateLimit.MaxInFlight
		}
		sched := schedRegistry.For(name, cfg)
		clients[name] = chain.New(name, raw, sched, log)
	}

	fetcher := eventfetch.New(clients)
	prices := pricecache.New(st, clients, defaultL1CacheBytes)
	blocks := blockinfo.New(reg, clients)
	locks := lockset.New()

	engine := ledger.New(st, fetcher, prices, blocks, clock.Real{}, reg, locks, log)
	aggregator := pnl.New(st, clients, reg)
	curveCache := curve.New(st, clients)
	importerSvc := importer.New(st, clients, reg)

	api := ledgerapi.New(engine, aggregator, curveCache, importerSvc)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Infow("ledgerd listening", "addr", addr)
	if err := http.ListenAndServe(addr, newRouter(api, log)); err != nil {
		log.Fatalw("http server exited", "error", err)
	}
}

func newRouter(api *ledgerapi.API, log interface{ Errorw(string, ...interface{}) }) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/positions/sync", func(w http.ResponseWriter, r *http.Request) {
		userID, chainName, protocol, nftID := queryIdentity(r)
		rows, err := api.Sync(r.Context(), userID, chainName, protocol, nftID)
		writeResult(w, log, rows, err)
	})

	mux.HandleFunc("/positions/pnl", func(w http.ResponseWriter, r *http.Request) {
		userID, chainName, protocol, nftID := queryIdentity(r)
		summary, err := api.GetPnL(r.Context(), userID, chainName, protocol, nftID)
		writeResult(w, log, summary, err)
	})

	mux.HandleFunc("/positions/curve", func(w http.ResponseWriter, r *http.Request) {
		userID, chainName, protocol, nftID := queryIdentity(r)
		c, err := api.GetCurve(r.Context(), userID, chainName, protocol, nftID)
		writeResult(w, log, c, err)
	})

	mux.HandleFunc("/positions/import", func(w http.ResponseWriter, r *http.Request) {
		userID, chainName, protocol, nftID := queryIdentity(r)
		pos, err := api.ImportByNFT(r.Context(), userID, chainName, protocol, nftID)
		writeResult(w, log, pos, err)
	})

	mux.HandleFunc("/positions/discover", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		candidates, err := api.DiscoverByOwner(r.Context(), q.Get("user_id"), q.Get("chain"), q.Get("protocol"), q.Get("owner"), 20)
		writeResult(w, log, candidates, err)
	})

	return mux
}

func queryIdentity(r *http.Request) (userID, chainName, protocol, nftID string) {
	q := r.URL.Query()
	return q.Get("user_id"), q.Get("chain"), q.Get("protocol"), q.Get("nft_id")
}

func writeResult(w http.ResponseWriter, log interface{ Errorw(string, ...interface{}) }, v interface{}, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch errs.KindOf(err) {
		case errs.NotFound:
			status = http.StatusNotFound
		case errs.Validation:
			status = http.StatusBadRequest
		}
		log.Errorw("request failed", "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: failed to encode response: %v\n", err)
	}
}
