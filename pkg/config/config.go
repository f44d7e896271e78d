package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ethernity-cloud/etny-agent/pkg/hardware"
)

// Agent holds the process-wide options parsed from the CLI.
type Agent struct {
	PrivateKey string

	// Advertised capability, defaulted from the hardware probe.
	CPU       int
	Memory    int
	Storage   int
	Bandwidth int
	Duration  int
	Price     int

	// Networks selects which catalog entries to serve: names, legacy
	// single-network values, or the all/auto groups.
	Networks []string

	// IPFSHost is the daemon RPC endpoint; IPFSLocal marks it as a
	// loopback daemon the agent is allowed to manage (config tuning,
	// version upgrades, restarts).
	IPFSHost  string
	IPFSLocal bool

	// IPFSGateway serves anonymous content fetches before the daemon
	// is tried.
	IPFSGateway string

	// IPFSPeers lists swarm peering addresses added on connect.
	IPFSPeers []string

	// KuboVersion is the minimum daemon version; older loopback daemons
	// are reinstalled from KuboURL.
	KuboVersion string
	KuboURL     string

	// Object store endpoint used as the enclave control channel.
	StoreEndpoint  string
	StoreAccessKey string
	StoreSecretKey string

	// OverridesFile optionally points at a YAML file of per-network
	// overrides applied before env and flag overrides.
	OverridesFile string

	LogLevel string
	LogJSON  bool
}

// LoadEnv loads environment variables from .env, falling back to
// .env.config. A missing file is not an error.
func LoadEnv() {
	if _, err := os.Stat(".env"); err == nil {
		godotenv.Load(".env")
		return
	}
	godotenv.Load(".env.config")
}

// RegisterFlags binds the agent options onto cmd. Capability defaults
// come from the hardware probe so a bare invocation advertises what
// the host can hold.
func (a *Agent) RegisterFlags(cmd *cobra.Command) error {
	info, err := hardware.Probe()
	if err != nil {
		return fmt.Errorf("failed to probe hardware: %w", err)
	}

	flags := cmd.Flags()
	flags.StringVarP(&a.PrivateKey, "privatekey", "k", "", "operator wallet private key (hex)")
	flags.IntVarP(&a.CPU, "cpu", "c", info.CPUs, "number of CPUs to advertise")
	flags.IntVarP(&a.Memory, "memory", "m", info.MemoryGB, "amount of memory to advertise (GB)")
	flags.IntVarP(&a.Storage, "storage", "s", info.StorageGB, "amount of storage to advertise (GB)")
	flags.IntVarP(&a.Bandwidth, "bandwidth", "b", 1, "amount of bandwidth to advertise (GB)")
	flags.IntVarP(&a.Duration, "duration", "t", 60, "time allocated per task (minutes)")
	flags.IntVarP(&a.Price, "price", "p", 3, "task execution price per hour")
	flags.StringSliceVarP(&a.Networks, "network", "n", []string{"all"}, "networks to serve (names, legacy names, all or auto; repeatable)")
	flags.StringVar(&a.IPFSHost, "ipfshost", "http://127.0.0.1:5001", "IPFS daemon RPC endpoint")
	flags.BoolVar(&a.IPFSLocal, "ipfslocal", true, "manage the IPFS daemon as a local service")
	flags.StringVar(&a.IPFSGateway, "ipfsgateway", "https://ipfs.ethernity.cloud", "IPFS gateway for anonymous fetches")
	flags.StringSliceVar(&a.IPFSPeers, "ipfspeer", nil, "IPFS swarm peering address (repeatable)")
	flags.StringVar(&a.KuboVersion, "kuboversion", "0.22.0", "minimum IPFS daemon version")
	flags.StringVar(&a.KuboURL, "kubourl",
		"https://dist.ipfs.tech/kubo/v0.22.0/kubo_v0.22.0_linux-amd64.tar.gz",
		"kubo release tarball used to reinstall an outdated local daemon")
	flags.StringVar(&a.StoreEndpoint, "storeendpoint", "localhost:9000", "object store endpoint")
	flags.StringVar(&a.StoreAccessKey, "storeaccesskey", "swiftstreamadmin", "object store access key")
	flags.StringVar(&a.StoreSecretKey, "storesecretkey", "swiftstreamadmin", "object store secret key")
	flags.StringVar(&a.OverridesFile, "networksfile", "", "YAML file with per-network overrides")
	flags.StringVar(&a.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&a.LogJSON, "logjson", false, "emit JSON logs")

	if err := cmd.MarkFlagRequired("privatekey"); err != nil {
		return fmt.Errorf("failed to mark flag required: %w", err)
	}
	return nil
}

// overridableFields are the per-network fields exposed as generated
// CLI flags --<network>-<field>.
var overridableFields = []struct {
	suffix string
	help   string
}{
	{"rpc-url", "RPC endpoint override"},
	{"contract-address", "marketplace contract override"},
	{"heartbeat-address", "heartbeat contract override"},
	{"image-registry-address", "image registry contract override"},
	{"gas-limit", "gas limit override"},
	{"rpc-delay-ms", "per-call RPC delay override (ms)"},
}

// RegisterNetworkFlags adds the generated per-network override flags
// for every catalog entry.
func RegisterNetworkFlags(cmd *cobra.Command) {
	for _, name := range NetworkNames() {
		prefix := flagPrefix(name)
		for _, f := range overridableFields {
			cmd.Flags().String(prefix+"-"+f.suffix, "", fmt.Sprintf("%s: %s", name, f.help))
		}
	}
}

// ApplyFlagOverrides folds any set per-network flags into nc. Flags
// win over both the overrides file and environment variables.
func ApplyFlagOverrides(cmd *cobra.Command, nc *NetworkConfig) error {
	prefix := flagPrefix(nc.Name)

	get := func(suffix string) (string, bool) {
		flag := cmd.Flags().Lookup(prefix + "-" + suffix)
		if flag == nil || !flag.Changed {
			return "", false
		}
		return flag.Value.String(), true
	}

	if v, ok := get("rpc-url"); ok {
		nc.RPCURL = v
	}
	if v, ok := get("contract-address"); ok {
		nc.ContractAddress = v
	}
	if v, ok := get("heartbeat-address"); ok {
		nc.HeartbeatAddress = v
	}
	if v, ok := get("image-registry-address"); ok {
		nc.ImageRegistryAddress = v
	}
	if v, ok := get("gas-limit"); ok {
		var limit uint64
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			return fmt.Errorf("invalid %s gas limit %q: %w", nc.Name, v, err)
		}
		nc.GasLimit = limit
	}
	if v, ok := get("rpc-delay-ms"); ok {
		var delay int
		if _, err := fmt.Sscanf(v, "%d", &delay); err != nil {
			return fmt.Errorf("invalid %s rpc delay %q: %w", nc.Name, v, err)
		}
		nc.RPCDelayMS = delay
	}
	return nil
}

// ResolveNetworks runs the full selection and override pipeline for
// the parsed agent options: catalog selection, overrides file, env
// overrides, then flag overrides.
func (a *Agent) ResolveNetworks(cmd *cobra.Command) ([]NetworkConfig, error) {
	networks, err := SelectNetworks(a.Networks)
	if err != nil {
		return nil, err
	}
	if a.OverridesFile != "" {
		if err := ApplyOverridesFile(a.OverridesFile, networks); err != nil {
			return nil, err
		}
	}
	for i := range networks {
		ApplyEnvOverrides(&networks[i])
		if err := ApplyFlagOverrides(cmd, &networks[i]); err != nil {
			return nil, err
		}
	}
	return networks, nil
}

func flagPrefix(network string) string {
	out := make([]byte, len(network))
	for i := 0; i < len(network); i++ {
		c := network[i]
		if c == '_' {
			c = '-'
		}
		out[i] = c
	}
	return string(out)
}
