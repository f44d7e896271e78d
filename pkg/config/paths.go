package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Cache limits carried over from the deployed fleet's file layout.
const (
	NetworkCacheLimit     = 1
	IPFSVersionCacheLimit = 10_000
	OrdersCacheLimit      = 10_000_000
	IPFSCacheLimit        = 10_000_000
	DPReqCacheLimit       = 10_000_000
	DOReqCacheLimit       = 10_000_000
)

// Paths lays out the agent's on-disk state for one network. Every
// network gets its own directory under the cache base; the network
// index and the content-store version file are shared at the parent
// level so all workers see the same values.
type Paths struct {
	Base    string
	NetBase string

	AutoUpdateStamp string
	HeartbeatStamp  string

	NetworkCache     string
	IPFSVersionCache string

	OrdersCache       string
	IPFSCache         string
	DPReqCache        string
	DOReqCache        string
	MergedOrdersCache string
	RetryLedger       string

	OrdersDir string
}

// NewPaths builds the path set for network under baseDir and creates
// the directories.
func NewPaths(baseDir, network string) (*Paths, error) {
	netBase := filepath.Join(baseDir, network)
	if err := os.MkdirAll(netBase, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	ordersDir := filepath.Join(netBase, "orders")
	if err := os.MkdirAll(ordersDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create orders dir: %w", err)
	}

	return &Paths{
		Base:    baseDir,
		NetBase: netBase,

		AutoUpdateStamp: filepath.Join(netBase, "auto_update.etny"),
		HeartbeatStamp:  filepath.Join(netBase, "heartbeat.etny"),

		NetworkCache:     filepath.Join(baseDir, "network_cache.txt"),
		IPFSVersionCache: filepath.Join(baseDir, "ipfs_version.txt"),

		OrdersCache:       filepath.Join(netBase, "orders_cache.txt"),
		IPFSCache:         filepath.Join(netBase, "ipfs_cache.txt"),
		DPReqCache:        filepath.Join(netBase, "dpreq_cache.txt"),
		DOReqCache:        filepath.Join(netBase, "doreq_cache.txt"),
		MergedOrdersCache: filepath.Join(netBase, "merged_orders_cache.json"),
		RetryLedger:       filepath.Join(netBase, "process_order_data.json"),

		OrdersDir: ordersDir,
	}, nil
}

// OrderDir returns the working directory for one order's compose stack.
func (p *Paths) OrderDir(orderID uint64) string {
	return filepath.Join(p.OrdersDir, fmt.Sprintf("%d", orderID))
}

// DefaultCacheDir returns the base cache directory next to the binary,
// matching the layout existing deployments expect.
func DefaultCacheDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "cache"
	}
	return filepath.Join(filepath.Dir(exe), "cache")
}

// uuidPath is where the operator identity lives, shared across
// releases and networks.
func uuidPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home dir: %w", err)
	}
	return filepath.Join(home, "opt", "etny", "node", "UUID"), nil
}

// LoadOrCreateUUID returns the operator uuid, generating and
// persisting a new one on first run. The stored value is the
// 32-character hex form without dashes.
func LoadOrCreateUUID() (string, error) {
	path, err := uuidPath()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read uuid file: %w", err)
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create uuid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("failed to write uuid file: %w", err)
	}
	return id, nil
}
