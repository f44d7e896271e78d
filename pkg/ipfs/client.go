package ipfs

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/rs/zerolog"

	"github.com/ethernity-cloud/etny-agent/pkg/cache"
	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

const (
	// localAPIAddr is the loopback daemon the agent manages itself. A
	// host pointing anywhere else is operator infrastructure and is
	// never restarted or upgraded from here.
	localAPIAddr = "/ip4/127.0.0.1/tcp/5001/http"

	versionAttempts = 10
	versionDelay    = time.Second
	connectAttempts = 3
)

// Options configures a content store client for one network worker.
type Options struct {
	// APIAddr is the daemon API endpoint as a multiaddr, for example
	// /ip4/127.0.0.1/tcp/5001/http.
	APIAddr string
	// Gateway is an HTTP gateway base URL used before the daemon is
	// tried, or empty to disable gateway downloads.
	Gateway string
	// Peers holds swarm peering multiaddrs, one per line or separated
	// by spaces or commas.
	Peers string
	// Local marks the daemon as a loopback service the agent manages.
	// Loopback API addresses imply it.
	Local bool
	// Target is the directory downloaded content lands in.
	Target string
	// Ledger tracks which CIDs are already present under Target.
	Ledger *cache.TimestampedSet
	// VersionCache is the store shared by all workers that coordinates
	// daemon upgrades across networks.
	VersionCache *cache.KV
	// Network names the owning worker for logs and version bookkeeping.
	Network string
	// RequiredVersion is the minimum daemon version; older loopback
	// daemons are reinstalled from KuboURL.
	RequiredVersion string
	// KuboURL points at the kubo release tarball used for reinstalls.
	KuboURL string
	// InstallDir overrides where the managed loopback daemon binary is
	// installed.
	InstallDir string
	// Timeout bounds individual daemon API calls.
	Timeout time.Duration
}

// Client talks to an IPFS daemon and gateway on behalf of one network
// worker. Downloads prefer the gateway, fall back to the daemon, and
// are recorded in a timestamped ledger so repeated orders referencing
// the same content skip the network entirely.
type Client struct {
	sh      *shell.Shell
	http    *http.Client
	gateway string
	peers   string
	target  string
	local   bool

	ledger       *cache.TimestampedSet
	versionCache *cache.KV
	network      string
	required     string
	kuboURL      string
	installDir   string

	connected bool
	logger    zerolog.Logger

	// runCommand shells out to systemctl; swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

// New builds a client. It does not touch the daemon; call Boot before
// the first download.
func New(opts Options) (*Client, error) {
	if opts.Target == "" {
		return nil, fmt.Errorf("content target directory is required")
	}
	apiAddr := opts.APIAddr
	if apiAddr == "" {
		apiAddr = localAPIAddr
	}
	sh := shell.NewShell(apiAddr)
	if opts.Timeout > 0 {
		sh.SetTimeout(opts.Timeout)
	}

	c := &Client{
		sh:           sh,
		http:         &http.Client{Timeout: 60 * time.Second},
		gateway:      strings.TrimRight(opts.Gateway, "/"),
		peers:        opts.Peers,
		target:       opts.Target,
		local:        opts.Local || strings.Contains(apiAddr, "127.0.0.1"),
		ledger:       opts.Ledger,
		versionCache: opts.VersionCache,
		network:      opts.Network,
		required:     opts.RequiredVersion,
		kuboURL:      opts.KuboURL,
		installDir:   opts.InstallDir,
		logger:       log.WithNetwork(opts.Network).With().Str("component", "ipfs").Logger(),
		runCommand: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
	return c, nil
}

// Boot brings the daemon into a usable state: it upgrades an outdated
// loopback install, reconciles the shared version bookkeeping, then
// connects and tunes the daemon. A daemon that stays unreachable is
// not fatal; the client keeps working in gateway-only mode.
func (c *Client) Boot(ctx context.Context) {
	c.logger.Info().Msg("initializing content store connection")
	c.ensureDaemonVersion(ctx)
	c.reconcileVersionState(ctx)

	c.connected = c.connect(ctx)
	if !c.connected {
		c.logger.Error().Msg("daemon unreachable, proceeding with gateway downloads only")
		return
	}
	if c.local {
		c.tuneDaemon(ctx)
	}
}

// Connected reports whether the daemon answered during Boot or a later
// reconnect.
func (c *Client) Connected() bool { return c.connected }

// version queries the daemon, retrying while it starts up.
func (c *Client) version(ctx context.Context) (string, bool) {
	for attempt := 0; attempt < versionAttempts; attempt++ {
		v, _, err := c.sh.Version()
		if err == nil && v != "" {
			return v, true
		}
		c.logger.Warn().Err(err).Msg("failed to query daemon version")
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(versionDelay):
		}
	}
	return "", false
}

// connect verifies the daemon answers and registers the configured
// swarm peers. An unresponsive loopback daemon gets one service
// restart per attempt.
func (c *Client) connect(ctx context.Context) bool {
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		err := c.addPeers(ctx)
		if err == nil {
			return true
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("daemon communication error")
		if c.local {
			c.restartService(ctx)
		} else {
			c.logger.Warn().Msg("verify the configured daemon host is operational")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	c.logger.Error().Msg("failed to connect to daemon swarm")
	return false
}

func (c *Client) addPeers(ctx context.Context) error {
	if _, err := c.sh.ID(); err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}

	var peering struct {
		Peers []struct {
			ID    string
			Addrs []string
		}
	}
	existing := map[string]bool{}
	if err := c.sh.Request("swarm/peering/ls").Exec(ctx, &peering); err != nil {
		return fmt.Errorf("failed to list peering: %w", err)
	}
	for _, p := range peering.Peers {
		for _, addr := range p.Addrs {
			existing[addr] = true
		}
	}

	for _, addr := range splitPeerList(c.peers) {
		if !strings.HasPrefix(addr, "/") {
			c.logger.Error().Str("addr", addr).Msg("invalid peer multiaddr")
			continue
		}
		if existing[addr] {
			c.logger.Debug().Str("addr", addr).Msg("peer already connected")
			continue
		}
		if err := c.sh.Request("swarm/peering/add").Arguments(addr).Exec(ctx, nil); err != nil {
			c.logger.Error().Err(err).Str("addr", addr).Msg("failed to add peer")
			continue
		}
		c.logger.Debug().Str("addr", addr).Msg("added peer")
	}
	return nil
}

// splitPeerList accepts multiaddrs separated by newlines, commas or
// spaces.
func splitPeerList(raw string) []string {
	fields := regexp.MustCompile(`[\n, ]+`).Split(raw, -1)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// tuneDaemon caps the loopback daemon's repo size and connection
// appetite so it stays a sidecar rather than a full relay.
func (c *Client) tuneDaemon(ctx context.Context) {
	if err := c.sh.Request("config").Arguments("Datastore.StorageMax", "3000000000").Exec(ctx, nil); err != nil {
		c.logger.Error().Err(err).Msg("failed to set Datastore.StorageMax")
		return
	}
	c.logger.Info().Msg("set Datastore.StorageMax to 3GB")

	if err := c.sh.Request("config").
		Arguments("Swarm.ConnMgr.LowWater", "25").
		Option("json", true).
		Exec(ctx, nil); err != nil {
		c.logger.Error().Err(err).Msg("failed to set Swarm.ConnMgr.LowWater")
		return
	}
	c.logger.Info().Msg("set Swarm.ConnMgr.LowWater to 25")
}

// restartService bounces the loopback daemon unit, then reconnects and
// garbage collects.
func (c *Client) restartService(ctx context.Context) {
	if err := c.runCommand(ctx, "systemctl", "restart", "ipfs"); err != nil {
		c.logger.Warn().Err(err).Msg("failed to restart daemon service")
		return
	}
	c.logger.Info().Msg("daemon service restarted")
	c.connected = c.addPeers(ctx) == nil
	if c.connected {
		if err := c.RepoGC(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("post-restart garbage collection failed")
		}
	}
}
