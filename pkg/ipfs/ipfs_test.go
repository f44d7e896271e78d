package ipfs

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethernity-cloud/etny-agent/pkg/cache"
)

func newTestClient(t *testing.T, gateway string) *Client {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Options{
		Gateway:      gateway,
		Target:       dir,
		Ledger:       cache.OpenTimestampedSet(filepath.Join(dir, "ipfs_cache.txt"), 100),
		VersionCache: cache.OpenKV(filepath.Join(dir, "ipfs_version.txt"), 100),
		Network:      "bloxberg_testnet",
	})
	require.NoError(t, err)
	c.runCommand = func(context.Context, string, ...string) error { return nil }
	return c
}

func TestSplitPeerList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"newlines", "/dns4/a/tcp/4001\n/dns4/b/tcp/4001", []string{"/dns4/a/tcp/4001", "/dns4/b/tcp/4001"}},
		{"commas", "/dns4/a/tcp/4001,/dns4/b/tcp/4001", []string{"/dns4/a/tcp/4001", "/dns4/b/tcp/4001"}},
		{"spaces", "/dns4/a/tcp/4001 /dns4/b/tcp/4001", []string{"/dns4/a/tcp/4001", "/dns4/b/tcp/4001"}},
		{"mixed and padded", " /dns4/a/tcp/4001,\n /dns4/b/tcp/4001 ", []string{"/dns4/a/tcp/4001", "/dns4/b/tcp/4001"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitPeerList(tt.raw)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionBefore(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"0.17.0", "0.22.0", true},
		{"0.22.0", "0.22.0", false},
		{"0.22.1", "0.22.0", false},
		{"0.22", "0.22.0", false},
		{"0.9", "0.22.0", true},
		{"1.0.0", "0.22.0", false},
		{"0.0.0", "0.22.0", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, versionBefore(tt.a, tt.b), "%s < %s", tt.a, tt.b)
	}
}

func buildTar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for name, content := range entries {
		if content == "" {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestExtractTarStripsPrefixAndPaxHeaders(t *testing.T) {
	cid := "QmFolder"
	archive := buildTar(t, map[string]string{
		"PaxHeaders.0/" + cid:   "ignored",
		cid + "/":               "",
		cid + "/payload.etny":   "payload bytes",
		cid + "/sub/":           "",
		cid + "/sub/input.txt":  "input bytes",
		cid + "/sub/deeper.txt": "deep",
	})

	dest := filepath.Join(t.TempDir(), cid)
	require.NoError(t, extractTar(bytes.NewReader(archive), dest, cid))

	data, err := os.ReadFile(filepath.Join(dest, "payload.etny"))
	require.NoError(t, err)
	assert.Equal(t, "payload bytes", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "sub", "input.txt"))
	require.NoError(t, err)
	assert.Equal(t, "input bytes", string(data))

	_, err = os.Stat(filepath.Join(dest, "PaxHeaders.0"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractTarRejectsEscape(t *testing.T) {
	archive := buildTar(t, map[string]string{"../escape.txt": "nope"})
	err := extractTar(bytes.NewReader(archive), t.TempDir(), "none")
	assert.Error(t, err)
}

func TestDownloadFileFromGateway(t *testing.T) {
	cid := "QmTestFileCid"
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Probe and fetch both return plain bytes, no listing links.
		w.Write([]byte("file content"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Download(context.Background(), cid))

	data, err := os.ReadFile(filepath.Join(c.target, cid))
	require.NoError(t, err)
	assert.Equal(t, "file content", string(data))
	assert.True(t, c.ledger.Contains(cid))

	// A second download is served from the ledger.
	before := hits.Load()
	require.NoError(t, c.Download(context.Background(), cid))
	assert.Equal(t, before, hits.Load())
}

func TestDownloadFolderFromGateway(t *testing.T) {
	cid := "QmTestFolderCid"
	archive := buildTar(t, map[string]string{
		cid + "/":           "",
		cid + "/result.txt": "folder file",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "tar" {
			w.Write(archive)
			return
		}
		// Directory listing probe.
		w.Write([]byte(`<html><a href="/ipfs/QmTestFolderCid/result.txt">result.txt</a></html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Download(context.Background(), cid))

	data, err := os.ReadFile(filepath.Join(c.target, cid, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "folder file", string(data))
	assert.True(t, c.ledger.Contains(cid))
}

func TestDownloadGatewayRetriesServerErrors(t *testing.T) {
	cid := "QmFlakyCid"
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ipfs/"+cid+"/" {
			w.Write([]byte("plain file probe"))
			return
		}
		if fetches.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Download(context.Background(), cid))

	data, err := os.ReadFile(filepath.Join(c.target, cid))
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(data))
	assert.GreaterOrEqual(t, fetches.Load(), int32(2))
}

func TestRemove(t *testing.T) {
	c := newTestClient(t, "")
	cid := "QmRemovable"
	path := filepath.Join(c.target, cid)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	c.ledger.Add(cid)

	require.NoError(t, c.Remove(cid))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, c.ledger.Contains(cid))
}

func TestRemoveLeavesForeignNames(t *testing.T) {
	c := newTestClient(t, "")
	path := filepath.Join(c.target, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))
	c.ledger.Add("notes.txt")

	require.NoError(t, c.Remove("notes.txt"))
	_, err := os.Stat(path)
	assert.NoError(t, err)
	assert.False(t, c.ledger.Contains("notes.txt"))
}

func TestExpireOlderThan(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ipfs_cache.txt")

	old := time.Now().Add(-8 * 24 * time.Hour).Format(time.RFC3339)
	fresh := time.Now().Format(time.RFC3339)
	seed, err := json.Marshal(map[string]string{
		"QmOldCid":     old,
		"QmFreshCid":   fresh,
		"QmTrustedCid": old,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ledgerPath, seed, 0o644))

	c, err := New(Options{
		Target:       dir,
		Ledger:       cache.OpenTimestampedSet(ledgerPath, 100),
		VersionCache: cache.OpenKV(filepath.Join(dir, "ipfs_version.txt"), 100),
		Network:      "bloxberg_testnet",
	})
	require.NoError(t, err)
	c.runCommand = func(context.Context, string, ...string) error { return nil }

	for _, cid := range []string{"QmOldCid", "QmFreshCid", "QmTrustedCid"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, cid), []byte("x"), 0o644))
	}

	c.ExpireOlderThan(context.Background(), []string{"QmTrustedCid"}, 7*24*time.Hour)

	assert.False(t, c.ledger.Contains("QmOldCid"))
	_, statErr := os.Stat(filepath.Join(dir, "QmOldCid"))
	assert.True(t, os.IsNotExist(statErr))

	assert.True(t, c.ledger.Contains("QmFreshCid"))
	_, statErr = os.Stat(filepath.Join(dir, "QmFreshCid"))
	assert.NoError(t, statErr)

	// Trusted content is old but kept, with a refreshed stamp.
	assert.True(t, c.ledger.Contains("QmTrustedCid"))
	stamp, ok := c.ledger.Timestamp("QmTrustedCid")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), stamp, time.Minute)
}

func TestApplyVersionStateFirstBoot(t *testing.T) {
	c := newTestClient(t, "")
	c.applyVersionState("0.22.0")

	global, _ := c.versionCache.Get(keyGlobalVersion)
	assert.Equal(t, "0.22.0", global)
	stored, _ := c.versionCache.Get(keyNetworkVersion + "bloxberg_testnet")
	assert.Equal(t, "0.22.0", stored)
	assert.Equal(t, []string{"bloxberg_testnet"}, decodeNetworkList(c.versionCache))
}

func TestApplyVersionStateGlobalChangeWipes(t *testing.T) {
	c := newTestClient(t, "")
	c.versionCache.Add(keyGlobalVersion, "0.21.0")
	storeNetworkList(c.versionCache, []string{"polygon_mainnet"})
	c.versionCache.Add(keyNetworkVersion+"bloxberg_testnet", "0.21.0")

	stale := filepath.Join(c.target, "QmStaleCid")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	c.ledger.Add("QmStaleCid")

	c.applyVersionState("0.22.0")

	global, _ := c.versionCache.Get(keyGlobalVersion)
	assert.Equal(t, "0.22.0", global)
	assert.Equal(t, []string{"bloxberg_testnet"}, decodeNetworkList(c.versionCache))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, c.ledger.Len())
}

func TestApplyVersionStateLaggingWorkerCatchesUp(t *testing.T) {
	c := newTestClient(t, "")
	c.versionCache.Add(keyGlobalVersion, "0.22.0")
	storeNetworkList(c.versionCache, []string{"polygon_mainnet"})
	c.versionCache.Add(keyNetworkVersion+"bloxberg_testnet", "0.21.0")

	stale := filepath.Join(c.target, "QmStaleCid")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	c.ledger.Add("QmStaleCid")

	c.applyVersionState("0.22.0")

	nets := decodeNetworkList(c.versionCache)
	assert.Contains(t, nets, "polygon_mainnet")
	assert.Contains(t, nets, "bloxberg_testnet")
	stored, _ := c.versionCache.Get(keyNetworkVersion + "bloxberg_testnet")
	assert.Equal(t, "0.22.0", stored)
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestApplyVersionStateReconciledWorkerNoop(t *testing.T) {
	c := newTestClient(t, "")
	c.versionCache.Add(keyGlobalVersion, "0.22.0")
	storeNetworkList(c.versionCache, []string{"bloxberg_testnet"})
	c.versionCache.Add(keyNetworkVersion+"bloxberg_testnet", "0.22.0")

	kept := filepath.Join(c.target, "QmKeptCid")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o644))
	c.ledger.Add("QmKeptCid")

	c.applyVersionState("0.22.0")

	_, err := os.Stat(kept)
	assert.NoError(t, err)
	assert.True(t, c.ledger.Contains("QmKeptCid"))
}
