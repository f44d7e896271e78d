package ipfs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/ethernity-cloud/etny-agent/pkg/cache"
)

// Shared version-cache keys. The file behind them is common to every
// network worker in the process, so all reads and writes happen under
// the package-level locks.
const (
	keyGlobalVersion   = "GLOBAL_IPFS_VERSION"
	keyUpdatedNetworks = "UPDATED_NETWORKS"
	keyNetworkVersion  = "IPFS_VERSION_"
)

// defaultInstallDir is where the managed loopback daemon binary lives.
const defaultInstallDir = "/home/vagrant/etny/node/go-ipfs"

var (
	// upgradeMu serializes daemon upgrades: only one worker may tear
	// the loopback daemon down at a time.
	upgradeMu sync.Mutex
	// versionMu guards the shared version bookkeeping file.
	versionMu sync.Mutex
)

// ensureDaemonVersion checks the daemon against the required version
// and reinstalls an outdated loopback daemon from the kubo release
// tarball. Remote daemons are never touched; an outdated remote just
// switches the client to the loopback daemon.
func (c *Client) ensureDaemonVersion(ctx context.Context) {
	if c.required == "" {
		return
	}

	upgradeMu.Lock()
	defer upgradeMu.Unlock()

	c.logger.Info().Msg("checking daemon version")
	v, ok := c.version(ctx)
	if !ok {
		c.logger.Error().Msg("failed to query daemon version, proceeding with limited functionality")
		c.connected = false
		v = "0.0.0"
	}

	if versionBefore(v, c.required) && !c.local {
		c.logger.Info().Str("have", v).Str("want", c.required).Msg("daemon outdated, switching to loopback daemon")
		c.sh = shell.NewShell(localAPIAddr)
		c.local = true
		if err := c.runCommand(ctx, "systemctl", "start", "ipfs"); err != nil {
			c.logger.Warn().Err(err).Msg("failed to start daemon service")
		}

		v, ok = c.version(ctx)
		if !ok {
			c.logger.Error().Msg("failed to query daemon version, proceeding with limited functionality")
			c.connected = false
			v = "0.0.0"
		}
	}

	if !versionBefore(v, c.required) {
		return
	}
	if !c.local {
		c.logger.Info().Str("version", v).Msg("daemon version accepted with current configuration")
		return
	}

	c.logger.Info().Str("have", v).Str("want", c.required).Msg("upgrading loopback daemon")
	if err := c.reinstallDaemon(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to upgrade daemon")
		c.connected = false
		return
	}

	v, _ = c.version(ctx)
	versionMu.Lock()
	defer versionMu.Unlock()
	c.versionCache.Add(keyGlobalVersion, v)
	c.versionCache.Add(keyUpdatedNetworks, "[]")
}

// reinstallDaemon replaces the loopback daemon install wholesale. All
// locally cached content is gone afterwards, so the ledger is wiped
// with it.
func (c *Client) reinstallDaemon(ctx context.Context) error {
	if err := c.runCommand(ctx, "systemctl", "stop", "ipfs"); err != nil {
		c.logger.Warn().Err(err).Msg("failed to stop daemon service")
	}

	installDir := c.installDir
	if installDir == "" {
		installDir = defaultInstallDir
	}
	os.RemoveAll(installDir)
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return fmt.Errorf("failed to create install dir: %w", err)
	}
	if home, err := os.UserHomeDir(); err == nil {
		os.RemoveAll(filepath.Join(home, ".ipfs"))
	}

	c.wipeLocalContent()

	if err := c.installKubo(ctx, installDir); err != nil {
		return err
	}

	if err := c.runCommand(ctx, "systemctl", "start", "ipfs"); err != nil {
		return fmt.Errorf("failed to start daemon service: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
	}
	c.logger.Info().Msg("daemon upgraded and started")
	return nil
}

// installKubo fetches the release tarball and unpacks the kubo
// directory contents into installDir.
func (c *Client) installKubo(ctx context.Context, installDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.kuboURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build release request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("release download returned status %d", resp.StatusCode)
	}

	extractDir, err := os.MkdirTemp("", "kubo-extract-*")
	if err != nil {
		return fmt.Errorf("failed to create extract dir: %w", err)
	}
	defer os.RemoveAll(extractDir)

	if err := untarGz(resp.Body, extractDir); err != nil {
		return fmt.Errorf("failed to unpack release: %w", err)
	}

	kuboDir := filepath.Join(extractDir, "kubo")
	entries, err := os.ReadDir(kuboDir)
	if err != nil {
		return fmt.Errorf("failed to read release layout: %w", err)
	}
	for _, entry := range entries {
		src := filepath.Join(kuboDir, entry.Name())
		dst := filepath.Join(installDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to install %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// reconcileVersionState compares the running daemon version with the
// bookkeeping shared between workers. A version change means the
// daemon's repo was rebuilt, so this worker's downloaded content is
// stale and gets wiped.
func (c *Client) reconcileVersionState(ctx context.Context) {
	v, ok := c.version(ctx)
	if !ok {
		return
	}

	versionMu.Lock()
	defer versionMu.Unlock()
	c.versionCache.Reload()
	c.applyVersionState(v)
}

func (c *Client) applyVersionState(v string) {
	global, _ := c.versionCache.Get(keyGlobalVersion)
	stored, _ := c.versionCache.Get(keyNetworkVersion + c.network)
	updated := decodeNetworkList(c.versionCache)

	c.logger.Debug().
		Str("current", v).
		Str("global", global).
		Str("stored", stored).
		Bool("reconciled", contains(updated, c.network)).
		Msg("daemon version check")

	switch {
	case global == "":
		c.versionCache.Add(keyGlobalVersion, v)
		storeNetworkList(c.versionCache, []string{c.network})
		c.versionCache.Add(keyNetworkVersion+c.network, v)

	case v != global:
		c.versionCache.Add(keyGlobalVersion, v)
		storeNetworkList(c.versionCache, []string{c.network})
		c.logger.Info().Str("from", global).Str("to", v).Msg("daemon version changed, wiping local content")
		c.wipeLocalContent()
		c.versionCache.Add(keyNetworkVersion+c.network, v)

	case stored != v || !contains(updated, c.network):
		c.logger.Info().Str("from", stored).Str("to", v).Msg("daemon version changed, wiping local content")
		c.wipeLocalContent()
		storeNetworkList(c.versionCache, appendUnique(updated, c.network))
		c.versionCache.Add(keyNetworkVersion+c.network, v)
	}
}

// wipeLocalContent deletes all content-addressed files under the
// target directory and empties the ledger.
func (c *Client) wipeLocalContent() {
	entries, err := os.ReadDir(c.target)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to list target dir")
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "Qm") {
			continue
		}
		path := filepath.Join(c.target, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("failed to delete cached content")
			continue
		}
		c.logger.Debug().Str("path", path).Msg("deleted cached content")
	}
	c.ledger.Wipe()
}

func decodeNetworkList(kv *cache.KV) []string {
	raw, ok := kv.Get(keyUpdatedNetworks)
	if !ok || raw == "" {
		return nil
	}
	var nets []string
	if err := json.Unmarshal([]byte(raw), &nets); err != nil {
		return nil
	}
	return nets
}

func storeNetworkList(kv *cache.KV, nets []string) {
	data, _ := json.Marshal(nets)
	kv.Add(keyUpdatedNetworks, string(data))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

// versionBefore reports whether dotted version a sorts before b.
// Missing components compare as zero.
func versionBefore(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

// untarGz unpacks a gzip tar stream into dest preserving file modes.
func untarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		target := filepath.Join(dest, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive member %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to write %s: %w", target, err)
			}
			f.Close()
		}
	}
}
