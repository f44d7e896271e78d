package ipfs

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethernity-cloud/etny-agent/pkg/metrics"
	"github.com/ethernity-cloud/etny-agent/pkg/retry"
)

const (
	folderProbeAttempts = 10
	gatewayAttempts     = 5
	uploadAttempts      = 10
)

// Download fetches a CID into the target directory. Content already in
// the ledger is skipped. The gateway is tried first unless the content
// is pinned on the daemon, in which case the daemon is faster.
func (c *Client) Download(ctx context.Context, cid string) error {
	if c.ledger.Contains(cid) {
		c.logger.Info().Str("cid", cid).Msg("found in local cache, skipping download")
		return nil
	}

	outPath := filepath.Join(c.target, cid)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create target dir: %w", err)
	}

	timer := metrics.NewTimer()

	if c.gateway != "" && !(c.connected && c.IsPinned(ctx, cid)) {
		c.logger.Info().Str("cid", cid).Msg("not pinned locally, downloading from gateway")
		err := c.fetchFromGateway(ctx, cid, outPath)
		if err == nil {
			metrics.ContentDownloads.WithLabelValues("gateway", "ok").Inc()
			timer.ObserveDuration(metrics.ContentDownloadDuration)
			c.ledger.Add(cid)
			c.seedDaemon(ctx, cid, outPath)
			return nil
		}
		metrics.ContentDownloads.WithLabelValues("gateway", "error").Inc()
		c.logger.Warn().Err(err).Str("cid", cid).Msg("gateway fetch failed")
	}

	if !c.connected {
		if !c.connect(ctx) {
			return fmt.Errorf("no daemon connection and gateway failed for %s", cid)
		}
		c.connected = true
	}

	if c.IsPinned(ctx, cid) {
		c.logger.Info().Str("cid", cid).Msg("pinned locally, downloading from daemon")
	} else {
		c.logger.Info().Str("cid", cid).Msg("not pinned locally, downloading from swarm")
		if err := c.PinAdd(ctx, cid); err != nil {
			return err
		}
	}

	if err := c.fetchFromDaemon(ctx, cid, outPath); err != nil {
		metrics.ContentDownloads.WithLabelValues("daemon", "error").Inc()
		c.logger.Warn().Err(err).Str("cid", cid).Msg("error while downloading content")
		if c.local {
			c.logger.Warn().Msg("restarting daemon service")
			c.restartService(ctx)
		} else {
			c.logger.Warn().Msg("verify the configured daemon host is operational")
		}
		return err
	}

	metrics.ContentDownloads.WithLabelValues("daemon", "ok").Inc()
	timer.ObserveDuration(metrics.ContentDownloadDuration)
	c.ledger.Add(cid)
	return nil
}

// DownloadMany fetches each CID in order, retrying each up to attempts
// times with a fixed delay. It reports whether every download
// succeeded.
func (c *Client) DownloadMany(ctx context.Context, cids []string, attempts int, delay time.Duration) bool {
	for _, cid := range cids {
		c.logger.Debug().Str("cid", cid).Msg("downloading")
		err := retry.Do(retry.Options{
			Attempts: attempts,
			Policy:   retry.FixedDelay(delay),
		}, func(int) error {
			return c.Download(ctx, cid)
		})
		if err != nil {
			return false
		}
	}
	return true
}

// seedDaemon announces gateway-fetched content to the daemon so future
// orders can read it from the swarm.
func (c *Client) seedDaemon(ctx context.Context, cid, outPath string) {
	if !c.connected {
		return
	}
	if _, err := c.addPath(outPath); err != nil {
		c.logger.Warn().Err(err).Str("cid", cid).Msg("failed to seed daemon after gateway download")
		return
	}
	if err := c.PinAdd(ctx, cid); err != nil {
		c.logger.Warn().Err(err).Str("cid", cid).Msg("failed to pin after gateway download")
	}
}

// fetchFromGateway downloads a CID over the HTTP gateway. Folders come
// down as a tar stream and are unpacked in place.
func (c *Client) fetchFromGateway(ctx context.Context, cid, outPath string) error {
	isFolder, err := c.isGatewayFolder(ctx, cid)
	if err != nil {
		return err
	}

	url := c.gateway + "/ipfs/" + cid
	if isFolder {
		url += "?format=tar"
	}

	return retry.Do(retry.Options{
		Attempts: gatewayAttempts,
		Policy:   retry.ExpBackoff{Base: time.Second, Max: 16 * time.Second},
		OnRetry: func(attempt int, err error) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("url", url).Msg("gateway request failed, retrying")
		},
	}, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway returned status %d for %s", resp.StatusCode, cid)
		}

		if isFolder {
			return extractTar(resp.Body, outPath, cid)
		}
		return writeStream(resp.Body, outPath)
	})
}

// isGatewayFolder probes the gateway directory listing. A 200 response
// carrying /ipfs/ links is a folder; any other 200 is a file.
func (c *Client) isGatewayFolder(ctx context.Context, cid string) (bool, error) {
	url := c.gateway + "/ipfs/" + cid + "/"
	for attempt := 1; attempt <= folderProbeAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if readErr == nil && resp.StatusCode == http.StatusOK {
				if strings.Contains(string(body), `<a href="/ipfs/`) {
					c.logger.Info().Str("cid", cid).Msg("gateway path is a folder")
					return true, nil
				}
				c.logger.Info().Str("cid", cid).Msg("gateway path is a file")
				return false, nil
			}
		} else {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("folder probe failed")
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return false, fmt.Errorf("unable to determine whether %s is a file or folder", cid)
}

// fetchFromDaemon pulls a CID through the daemon API. The get endpoint
// unpacks both plain files and directory trees.
func (c *Client) fetchFromDaemon(ctx context.Context, cid, outPath string) error {
	// Clear any stale artifact so extraction starts clean.
	if err := os.RemoveAll(outPath); err != nil {
		return fmt.Errorf("failed to clear %s: %w", outPath, err)
	}
	if err := c.sh.Get(cid, outPath); err != nil {
		return fmt.Errorf("failed to get %s from daemon: %w", cid, err)
	}
	return nil
}

// writeStream copies a response body to path.
func writeStream(r io.Reader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// extractTar unpacks a tar stream into dest, skipping pax header
// members and stripping a leading stripPrefix path element.
func extractTar(r io.Reader, dest, stripPrefix string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		name := hdr.Name
		if strings.HasPrefix(name, "PaxHeaders.0") {
			continue
		}
		if parts := strings.Split(name, "/"); parts[0] == stripPrefix {
			name = strings.Join(parts[1:], "/")
		}
		if name == "" {
			continue
		}
		// Reject entries escaping the destination.
		target := filepath.Join(dest, filepath.Clean(name))
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
			if err := writeStream(tr, target); err != nil {
				return err
			}
		}
	}
}

// Upload adds a file or directory to the daemon and returns its CID.
// The daemon is reconnected and, when local, restarted between failed
// attempts.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	if !c.connected {
		if !c.connect(ctx) {
			return "", fmt.Errorf("failed to connect to daemon for upload")
		}
		c.connected = true
	}

	var cid string
	err := retry.Do(retry.Options{
		Attempts: uploadAttempts,
		OnRetry: func(attempt int, err error) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("error while uploading")
			if c.local {
				c.logger.Warn().Msg("restarting daemon service")
				c.restartService(ctx)
			}
		},
	}, func(int) error {
		var err error
		cid, err = c.addPath(path)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}

	c.ledger.Add(cid)
	return cid, nil
}

func (c *Client) addPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		cid, err := c.sh.AddDir(path)
		if err != nil {
			return "", fmt.Errorf("failed to add directory: %w", err)
		}
		return cid, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	cid, err := c.sh.Add(f)
	if err != nil {
		return "", fmt.Errorf("failed to add file: %w", err)
	}
	return cid, nil
}

// PinAdd pins a CID on the daemon. A no-op without a connection.
func (c *Client) PinAdd(ctx context.Context, cid string) error {
	if !c.connected {
		return nil
	}
	if err := c.sh.Request("pin/add").Arguments(cid).Exec(ctx, nil); err != nil {
		if isPinStateError(err) {
			return nil
		}
		c.logger.Error().Err(err).Str("cid", cid).Msg("error while adding pin")
		return fmt.Errorf("failed to pin %s: %w", cid, err)
	}
	return nil
}

// PinRemove unpins a CID. Already-unpinned content is not an error.
func (c *Client) PinRemove(ctx context.Context, cid string) error {
	if !c.connected {
		return nil
	}
	if err := c.sh.Request("pin/rm").Arguments(cid).Exec(ctx, nil); err != nil {
		if isPinStateError(err) {
			return nil
		}
		c.logger.Error().Err(err).Str("cid", cid).Msg("error while removing pin")
		return fmt.Errorf("failed to unpin %s: %w", cid, err)
	}
	return nil
}

// IsPinned reports whether a CID is pinned, directly or indirectly. An
// unexpected daemon error drops the connection so the next download
// falls back to the gateway.
func (c *Client) IsPinned(ctx context.Context, cid string) bool {
	if !c.connected {
		return false
	}
	err := c.sh.Request("pin/ls").Arguments(cid).Exec(ctx, nil)
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not pinned") {
		return false
	}
	if strings.Contains(msg, "pinned indirectly") {
		return true
	}

	c.connected = false
	c.logger.Warn().Err(err).Str("cid", cid).Msg("unexpected error while checking pin status")
	if c.local {
		c.logger.Warn().Msg("restarting daemon service")
		c.restartService(ctx)
	}
	return false
}

func isPinStateError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not pinned") || strings.Contains(msg, "pinned indirectly")
}

// RepoGC runs daemon garbage collection.
func (c *Client) RepoGC(ctx context.Context) error {
	if !c.connected {
		return nil
	}
	if err := c.sh.Request("repo/gc").Exec(ctx, nil); err != nil {
		c.logger.Error().Err(err).Msg("error while performing garbage collect")
		return fmt.Errorf("failed to run repo gc: %w", err)
	}
	return nil
}

// Remove deletes a downloaded CID from the target directory and the
// ledger. Only content-addressed names are touched on disk.
func (c *Client) Remove(cid string) error {
	defer c.ledger.Remove(cid)

	if !strings.HasPrefix(cid, "Qm") {
		return nil
	}
	path := filepath.Join(c.target, cid)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.logger.Warn().Str("cid", cid).Msg("downloaded content not found on disk")
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("error while removing content")
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// ExpireOlderThan drops downloaded content whose ledger stamp is older
// than maxAge. CIDs in keep are never dropped; their pins and stamps
// are refreshed instead.
func (c *Client) ExpireOlderThan(ctx context.Context, keep []string, maxAge time.Duration) {
	c.logger.Info().Msg("cleaning up content cache")

	keepSet := make(map[string]bool, len(keep))
	for _, cid := range keep {
		keepSet[cid] = true
	}
	now := time.Now()

	for _, cid := range c.ledger.Values() {
		if keepSet[cid] {
			if err := c.PinAdd(ctx, cid); err != nil {
				c.logger.Debug().Err(err).Str("cid", cid).Msg("failed to refresh pin")
			}
			c.ledger.Add(cid)
			continue
		}
		stamp, ok := c.ledger.Timestamp(cid)
		if !ok {
			c.logger.Warn().Str("cid", cid).Msg("no timestamp recorded, skipping deletion")
			continue
		}
		age := now.Sub(stamp)
		if age <= maxAge {
			c.logger.Debug().Str("cid", cid).Dur("age", age).Msg("content still fresh, keeping pin")
			continue
		}
		c.logger.Debug().Str("cid", cid).Dur("age", age).Msg("expiring content")
		if err := c.PinRemove(ctx, cid); err != nil {
			c.logger.Debug().Err(err).Str("cid", cid).Msg("failed to unpin expired content")
			continue
		}
		if err := c.Remove(cid); err != nil {
			c.logger.Debug().Err(err).Str("cid", cid).Msg("failed to delete expired content")
		}
	}
}
