package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethernity-cloud/etny-agent/pkg/cache"
	"github.com/ethernity-cloud/etny-agent/pkg/config"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()

	base := t.TempDir()
	paths, err := config.NewPaths(base, "bloxberg_testnet")
	require.NoError(t, err)

	net := &config.NetworkConfig{
		Name:            "bloxberg_testnet",
		NetworkType:     "TESTNET",
		TokenName:       "tETNY",
		RPCURL:          "https://rpc.example",
		ChainID:         8995,
		ContractAddress: "0x0000000000000000000000000000000000000001",
		BlockTime:       5,
	}

	return &Worker{
		cfg:   &config.Agent{},
		net:   net,
		paths: paths,
		uuid:  "6a1f2b3c4d5e6f708192a3b4c5d6e7f8",

		ordersCache:  cache.OpenKV(paths.OrdersCache, config.OrdersCacheLimit),
		dpReqCache:   cache.OpenSet(paths.DPReqCache, config.DPReqCacheLimit),
		doReqCache:   cache.OpenSet(paths.DOReqCache, config.DOReqCacheLimit),
		contentCache: cache.OpenTimestampedSet(paths.IPFSCache, config.IPFSCacheLimit),
		mergedOrders: cache.OpenAppendLog(paths.MergedOrdersCache),
		retryLedger:  cache.OpenRetryLedger(paths.RetryLedger),
		networkCache: cache.OpenKV(paths.NetworkCache, config.NetworkCacheLimit),

		orderMemo: make(map[uint64]uint64),
		logger:    zerolog.Nop(),

		devDir: t.TempDir(),
		http:   &http.Client{Timeout: 5 * time.Second},
	}
}

func TestHeartbeatInterval(t *testing.T) {
	w := newTestWorker(t)
	assert.Equal(t, time.Hour-time.Minute, w.heartbeatInterval())

	w.net.NetworkType = "MAINNET"
	assert.Equal(t, 12*time.Hour-time.Minute, w.heartbeatInterval())
}

func TestStampExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stamp")
	now := time.Now()

	assert.True(t, stampExpired(path, time.Hour, now), "missing stamp counts as expired")

	require.True(t, writeStamp(path, time.Hour, now))
	assert.False(t, stampExpired(path, time.Hour, now))
	assert.True(t, stampExpired(path, time.Hour, now.Add(2*time.Hour)))

	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o644))
	assert.True(t, stampExpired(path, time.Hour, now))
}

func TestWriteStampSkipsFreshStamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stamp")
	now := time.Now()

	assert.True(t, writeStamp(path, time.Hour, now))
	assert.False(t, writeStamp(path, time.Hour, now), "fresh stamp must not be rewritten")
	assert.True(t, writeStamp(path, time.Hour, now.Add(2*time.Hour)))
}

func TestSGXDriverConflict(t *testing.T) {
	w := newTestWorker(t)
	assert.False(t, w.sgxDriverConflict())

	require.NoError(t, os.WriteFile(filepath.Join(w.devDir, "isgx"), nil, 0o644))
	assert.False(t, w.sgxDriverConflict(), "legacy driver alone is fine")

	require.NoError(t, os.WriteFile(filepath.Join(w.devDir, "sgx_enclave"), nil, 0o644))
	assert.True(t, w.sgxDriverConflict())
}

func TestProbeGeo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(`{"ip":"203.0.113.7","loc":"44.4268,26.1025"}`))
	}))
	defer srv.Close()

	w := newTestWorker(t)
	w.geoURL = srv.URL
	assert.Equal(t, "44.4268,26.1025", w.probeGeo(context.Background()))
}

func TestProbeGeoFailureIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	w := newTestWorker(t)
	w.geoURL = srv.URL
	assert.Empty(t, w.probeGeo(context.Background()))

	w.geoURL = "http://127.0.0.1:1"
	assert.Empty(t, w.probeGeo(context.Background()))
}

func TestScanPause(t *testing.T) {
	w := newTestWorker(t)

	w.net.BlockTime = 5
	assert.InDelta(t, 3.7, w.scanPause().Seconds(), 0.001)

	w.net.BlockTime = 1
	assert.Equal(t, time.Duration(0), w.scanPause(), "sub-second block times never go negative")
}

func TestUnsettledDORequests(t *testing.T) {
	w := newTestWorker(t)
	w.settleDORequest(1)
	w.settleDORequest(3)

	assert.Equal(t, []uint64{0, 2, 4}, w.unsettledDORequests(5))
}

func TestFindOrderByDPReqCacheHit(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.ordersCache.Add("5", "42"))

	orderID, ok := w.findOrderByDPReq(context.Background(), 5)
	require.True(t, ok)
	assert.Equal(t, uint64(42), orderID)
}

func TestMigrateLegacyLayout(t *testing.T) {
	w := newTestWorker(t)
	w.networkCache.Add("NETWORK", "TESTNET")

	content := filepath.Join(w.paths.Base, "QmTestContent")
	require.NoError(t, os.WriteFile(content, []byte("blob"), 0o644))

	legacySet := cache.OpenSet(filepath.Join(w.paths.Base, "dpreq_cache.txt"), config.DPReqCacheLimit)
	require.NoError(t, legacySet.Add("7"))

	w.migrateLegacyLayout()

	assert.FileExists(t, filepath.Join(w.paths.NetBase, "QmTestContent"))
	assert.NoFileExists(t, content)
	assert.True(t, w.contentCache.Contains("QmTestContent"))
	assert.True(t, w.dpReqCache.Contains("7"))

	marker, ok := w.networkCache.Get("NETWORK")
	require.True(t, ok)
	assert.Equal(t, "MIGRATED_FROM_TESTNET", marker)
}

func TestMigrateLegacyLayoutSkipsOtherNetworks(t *testing.T) {
	w := newTestWorker(t)
	w.networkCache.Add("NETWORK", "POLYGON")

	content := filepath.Join(w.paths.Base, "QmTestContent")
	require.NoError(t, os.WriteFile(content, []byte("blob"), 0o644))

	w.migrateLegacyLayout()

	assert.FileExists(t, content, "polygon caches do not belong to a bloxberg worker")
	marker, _ := w.networkCache.Get("NETWORK")
	assert.Equal(t, "POLYGON", marker)
}

func TestBumpOrderRetries(t *testing.T) {
	w := newTestWorker(t)

	assert.Equal(t, 1, w.bumpOrderRetries(77), "first attempt starts a fresh record")
	assert.Equal(t, 2, w.bumpOrderRetries(77))

	rec, ok := w.retryLedger.Get(77)
	require.True(t, ok)
	assert.Equal(t, 2, rec.RetryCounter)
	assert.Equal(t, w.uuid, rec.UUID)
}

func TestBumpOrderRetriesTripsCapAfterIncrement(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.retryLedger.Put(cache.RetryRecord{
		OrderID:      77,
		RetryCounter: orderRetryCap,
		UUID:         w.uuid,
	}))

	attempts := w.bumpOrderRetries(77)
	assert.Equal(t, orderRetryCap+1, attempts)
	assert.Greater(t, attempts, orderRetryCap, "entering at the cap must not run another execution")

	rec, ok := w.retryLedger.Get(77)
	require.True(t, ok)
	assert.Equal(t, orderRetryCap+1, rec.RetryCounter, "the final attempt is persisted")
}

func TestBumpOrderRetriesDiscardsStaleRecord(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.retryLedger.Put(cache.RetryRecord{OrderID: 12, RetryCounter: 9, UUID: w.uuid}))

	assert.Equal(t, 1, w.bumpOrderRetries(77), "a record for another order does not carry over")
}

func TestClearOrderRetries(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.retryLedger.Put(cache.RetryRecord{OrderID: 77, RetryCounter: 3, UUID: w.uuid}))

	w.clearOrderRetries()
	_, ok := w.retryLedger.Get(77)
	assert.False(t, ok)
}

func TestEnclaveEnv(t *testing.T) {
	w := newTestWorker(t)
	env := w.enclaveEnv(17, "challenge-content")

	keys := make([]string, len(env))
	values := map[string]string{}
	for i, e := range env {
		keys[i] = e.Key
		values[e.Key] = e.Value
	}

	assert.Equal(t, []string{
		"ETNY_CHAIN_ID", "ETNY_SMART_CONTRACT_ADDRESS", "ETNY_WEB3_PROVIDER",
		"ETNY_CLIENT_CHALLENGE", "ETNY_ORDER_ID", "ETNY_NGROK_AUTHTOKEN",
	}, keys)
	assert.Equal(t, "8995", values["ETNY_CHAIN_ID"])
	assert.Equal(t, "challenge-content", values["ETNY_CLIENT_CHALLENGE"])
	assert.Equal(t, "17", values["ETNY_ORDER_ID"])
	assert.Equal(t, "DEFAULT", values["ETNY_NGROK_AUTHTOKEN"])
}

func TestIntegrationEnv(t *testing.T) {
	w := newTestWorker(t)
	values := map[string]string{}
	for _, e := range w.integrationEnv() {
		values[e.Key] = e.Value
	}

	assert.Equal(t, "1", values["ETNY_RUN_INTEGRATION_TEST"])
	assert.Equal(t, "0", values["ETNY_ORDER_ID"])
	assert.NotContains(t, values, "ETNY_CLIENT_CHALLENGE")
}

func TestPrepareOrderCompose(t *testing.T) {
	w := newTestWorker(t)

	src := filepath.Join(w.paths.NetBase, "QmComposeCID")
	compose := "services:\n  enclave:\n    restart: on-failure\n    environment:\n      - ORDER=[ETNY_ORDER_ID]\n"
	require.NoError(t, os.WriteFile(src, []byte(compose), 0o644))

	path, err := w.prepareOrderCompose("31", "QmComposeCID")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.paths.OrdersDir, "31", "docker-compose.yml"), path)

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(out), "restart: on-failure:20")
	assert.Contains(t, string(out), "ORDER=31")
	assert.DirExists(t, filepath.Join(w.paths.OrdersDir, "31", "etny-order-31"))
}
