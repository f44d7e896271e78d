package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethernity-cloud/etny-agent/pkg/cache"
	"github.com/ethernity-cloud/etny-agent/pkg/chain"
	"github.com/ethernity-cloud/etny-agent/pkg/config"
	"github.com/ethernity-cloud/etny-agent/pkg/dispatch"
	"github.com/ethernity-cloud/etny-agent/pkg/docker"
	"github.com/ethernity-cloud/etny-agent/pkg/ipfs"
	"github.com/ethernity-cloud/etny-agent/pkg/log"
	"github.com/ethernity-cloud/etny-agent/pkg/metrics"
	"github.com/ethernity-cloud/etny-agent/pkg/objectstore"
	"github.com/ethernity-cloud/etny-agent/pkg/supervisor"
)

const (
	// geoProbeURL reports the host's coordinates for the capacity
	// advertisement.
	geoProbeURL = "https://ipinfo.io/json"

	// contentMaxAge is how long downloaded order content is kept before
	// the weekly cleanup drops it.
	contentMaxAge = 7 * 24 * time.Hour

	// bootRetryDelay paces worker restarts after a failed boot.
	bootRetryDelay = 30 * time.Second
)

// Worker serves one network: it advertises capacity, matches DO
// requests, and processes the resulting orders through the enclave
// stack. One worker goroutine runs per configured network.
type Worker struct {
	cfg   *config.Agent
	net   *config.NetworkConfig
	paths *config.Paths
	uuid  string

	// chainMu guards chain for reads from the metrics collector
	// goroutine; the worker goroutine itself is the only writer.
	chainMu sync.Mutex
	chain   *chain.Client

	content *ipfs.Client
	store   *objectstore.Client
	engine  *docker.Engine
	planner *dispatch.Planner

	slot *supervisor.TaskSlot
	gate *supervisor.IntegrationGate

	ordersCache  *cache.KV
	dpReqCache   *cache.Set
	doReqCache   *cache.Set
	contentCache *cache.TimestampedSet
	mergedOrders *cache.AppendLog
	retryLedger  *cache.RetryLedger
	networkCache *cache.KV

	geo        string
	sgxCapable bool

	// doScanAnnounced suppresses repeated DO cache progress banners
	// after the first full scan.
	doScanAnnounced bool

	// orderMemo caches order tuples already read while walking the
	// operator's order history.
	orderMemo map[uint64]uint64

	logger zerolog.Logger

	// Swapped in tests.
	geoURL string
	devDir string
	http   *http.Client
}

// NewWorker wires a worker for one network. Chain and daemon
// connections are established later, in Run.
func NewWorker(cfg *config.Agent, net *config.NetworkConfig, baseDir string, slot *supervisor.TaskSlot, gate *supervisor.IntegrationGate) (*Worker, error) {
	paths, err := config.NewPaths(baseDir, net.Name)
	if err != nil {
		return nil, err
	}
	uuid, err := config.LoadOrCreateUUID()
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:   cfg,
		net:   net,
		paths: paths,
		uuid:  uuid,

		engine: docker.New(net.Name),
		slot:   slot,
		gate:   gate,

		ordersCache:  cache.OpenKV(paths.OrdersCache, config.OrdersCacheLimit),
		dpReqCache:   cache.OpenSet(paths.DPReqCache, config.DPReqCacheLimit),
		doReqCache:   cache.OpenSet(paths.DOReqCache, config.DOReqCacheLimit),
		contentCache: cache.OpenTimestampedSet(paths.IPFSCache, config.IPFSCacheLimit),
		mergedOrders: cache.OpenAppendLog(paths.MergedOrdersCache),
		retryLedger:  cache.OpenRetryLedger(paths.RetryLedger),
		networkCache: cache.OpenKV(paths.NetworkCache, config.NetworkCacheLimit),

		planner:   dispatch.NewPlanner(net.IsTestnet()),
		orderMemo: make(map[uint64]uint64),
		logger:    log.WithNetwork(net.Name),

		geoURL: geoProbeURL,
		devDir: "/dev",
		http:   &http.Client{Timeout: 30 * time.Second},
	}

	w.content, err = ipfs.New(ipfs.Options{
		APIAddr:         cfg.IPFSHost,
		Gateway:         cfg.IPFSGateway,
		Peers:           strings.Join(cfg.IPFSPeers, "\n"),
		Local:           cfg.IPFSLocal,
		Target:          paths.NetBase,
		Ledger:          w.contentCache,
		VersionCache:    cache.OpenKV(paths.IPFSVersionCache, config.IPFSVersionCacheLimit),
		Network:         net.Name,
		RequiredVersion: cfg.KuboVersion,
		KuboURL:         cfg.KuboURL,
		Timeout:         120 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	w.store, err = objectstore.New(cfg.StoreEndpoint, cfg.StoreAccessKey, cfg.StoreSecretKey)
	if err != nil {
		return nil, err
	}
	metrics.UpdateComponent("objectstore", true, "")
	return w, nil
}

// NetworkName identifies the worker to the metrics collector.
func (w *Worker) NetworkName() string { return w.net.Name }

// Balance reports the operator wallet balance for the gas gauge.
// Called from the collector goroutine, so the chain pointer is read
// under the lock; before the first boot there is nothing to report.
func (w *Worker) Balance() (*big.Int, error) {
	w.chainMu.Lock()
	client := w.chain
	w.chainMu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("chain connection not established")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Balance(ctx)
}

// Run is the worker's processing loop. It boots, then cycles through
// the resume stages until ctx is cancelled, rebooting after errors.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := w.boot(ctx); err != nil {
			w.logger.Error().Err(err).Msg("worker boot failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bootRetryDelay):
			}
			continue
		}

		w.cacheDPRequests(ctx)
		w.resumePendingDPRequests(ctx)
		w.resumeAvailableDPRequests(ctx)
		w.resumeProcessing(ctx)
	}
	w.logger.Info().Msg("exiting")
}

// boot establishes the chain connection and brings the host into a
// runnable state: gas check, legacy cache migration, enclave
// integration test and the weekly content cleanup.
func (w *Worker) boot(ctx context.Context) error {
	w.logger.Info().Str("network", w.net.Name).Msg("initializing agent")

	client, err := chain.Dial(*w.net, w.cfg.PrivateKey)
	if err != nil {
		metrics.UpdateComponent("chain", false, err.Error())
		return fmt.Errorf("failed to connect to chain: %w", err)
	}
	w.chainMu.Lock()
	w.chain = client
	w.chainMu.Unlock()
	metrics.UpdateComponent("chain", true, "")

	balance, err := w.chain.Balance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(new(big.Int).SetUint64(w.net.MinimumGasAtStart)) < 0 {
		return fmt.Errorf("not enough gas at %s to run the agent", w.chain.Address().Hex())
	}

	w.geo = w.probeGeo(ctx)

	w.logger.Info().Str("node_id", w.chain.Address().Hex()).Msg("agent identity")
	w.logger.Info().Str("rpc_url", w.net.RPCURL).Int64("chain_id", w.net.ChainID).Msg("chain endpoint")
	w.logger.Info().
		Str("marketplace", w.net.ContractAddress).
		Str("heartbeat", w.net.HeartbeatAddress).
		Str("image_registry", w.net.ImageRegistryAddress).
		Msg("contract addresses")
	w.logger.Info().Int("price", w.net.TaskExecutionPrice).Str("token", w.net.TokenName).Msg("minimum reward per hour")
	w.logger.Info().Str("geo", w.geo).Msg("node location")

	imageCID, composeCID, err := w.chain.GetTrustedZoneImage(ctx, w.net.IntegrationTestImage)
	if err != nil {
		return fmt.Errorf("failed to resolve trusted zone image: %w", err)
	}
	w.logger.Info().Str("image_cid", imageCID).Str("compose_cid", composeCID).Msg("trusted zone image")

	w.migrateLegacyLayout()

	if err := w.slot.Acquire(ctx, w.net.Name); err != nil {
		return err
	}
	defer w.slot.Release(w.net.Name)

	w.content.Boot(ctx)
	if w.content.Connected() {
		metrics.UpdateComponent("ipfs", true, "")
	} else {
		metrics.UpdateComponent("ipfs", false, "daemon unreachable, gateway-only")
	}

	if err := w.ensureSGXCapability(ctx, composeCID); err != nil {
		w.logger.Warn().Err(err).Msg("integration test preparation failed")
	}

	w.cleanupContent(ctx)
	return nil
}

// probeGeo returns the host's coordinates, or empty when the probe
// fails. Advertising without a location is allowed.
func (w *Worker) probeGeo(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.geoURL, nil)
	if err != nil {
		return ""
	}
	resp, err := w.http.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to probe node location")
		return ""
	}
	defer resp.Body.Close()

	var payload struct {
		Loc string `json:"loc"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || json.Unmarshal(body, &payload) != nil || payload.Loc == "" {
		w.logger.Warn().Msg("location missing from probe response")
		return ""
	}
	return payload.Loc
}

// sgxDriverConflict reports whether both the legacy and the in-kernel
// SGX drivers are loaded, a configuration the enclave stack cannot run
// under.
func (w *Worker) sgxDriverConflict() bool {
	entries, err := os.ReadDir(w.devDir)
	if err != nil {
		return false
	}
	var legacy, inKernel bool
	for _, e := range entries {
		switch e.Name() {
		case "isgx":
			legacy = true
		case "sgx_enclave":
			inKernel = true
		}
	}
	return legacy && inKernel
}

// migrateLegacyLayout moves caches written by single-network releases
// into the per-network directory, once, keyed by the shared network
// index file.
func (w *Worker) migrateLegacyLayout() {
	legacy, ok := w.networkCache.Get("NETWORK")
	if !ok {
		return
	}
	target, migrated := legacyNetworkTargets[legacy]
	if !migrated || target != w.net.Name {
		return
	}

	w.logger.Info().Str("from", legacy).Str("to", w.net.Name).Msg("migrating legacy cache layout")

	entries, err := os.ReadDir(w.paths.Base)
	if err == nil {
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), "Qm") {
				continue
			}
			src := filepath.Join(w.paths.Base, e.Name())
			dst := filepath.Join(w.paths.NetBase, e.Name())
			if err := os.Rename(src, dst); err != nil {
				w.logger.Warn().Err(err).Str("path", src).Msg("failed to migrate cached content")
				continue
			}
			w.contentCache.Add(e.Name())
		}
	}

	for _, name := range []string{
		"orders_cache.txt", "ipfs_cache.txt", "dpreq_cache.txt",
		"doreq_cache.txt", "merged_orders_cache.json",
	} {
		src := filepath.Join(w.paths.Base, name)
		dst := filepath.Join(w.paths.NetBase, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if data, err := os.ReadFile(src); err == nil {
			os.WriteFile(dst, data, 0o644)
			w.logger.Debug().Str("file", name).Msg("copied legacy cache file")
		}
	}

	w.reloadCaches()
	w.networkCache.Add("NETWORK", "MIGRATED_FROM_"+legacy)
}

// legacyNetworkTargets maps the single-network release names onto the
// catalog entries their caches belong to.
var legacyNetworkTargets = map[string]string{
	"BLOXBERG": "bloxberg_mainnet",
	"TESTNET":  "bloxberg_testnet",
	"POLYGON":  "polygon_mainnet",
}

// reloadCaches re-reads the per-network stores in place so shared
// references, the content store's ledger in particular, stay valid.
func (w *Worker) reloadCaches() {
	w.ordersCache.Reload()
	w.contentCache.Reload()
	w.dpReqCache.Reload()
	w.doReqCache.Reload()
}

// cleanupContent expires downloaded order content older than a week,
// keeping the trusted zone images pinned whatever their age.
func (w *Worker) cleanupContent(ctx context.Context) {
	var keep []string
	for _, image := range w.net.TrustedZoneImageList() {
		imageCID, composeCID, err := w.chain.GetTrustedZoneImage(ctx, image)
		if err != nil {
			w.logger.Warn().Err(err).Str("image", image).Msg("failed to resolve trusted zone image")
			continue
		}
		keep = append(keep, imageCID, composeCID)
	}
	w.content.ExpireOlderThan(ctx, keep, contentMaxAge)
}

// rpcPause spaces chain reads per the network's rate limit.
func (w *Worker) rpcPause() {
	if w.net.RPCDelayMS > 0 {
		time.Sleep(time.Duration(w.net.RPCDelayMS) * time.Millisecond)
	}
}
