package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Network type values carried by NetworkConfig.NetworkType.
const (
	TypeMainnet = "MAINNET"
	TypeTestnet = "TESTNET"
)

// NetworkConfig describes one marketplace deployment the agent can
// serve. Values come from the built-in catalog and may be overridden
// by a YAML overrides file, environment variables, and CLI flags, in
// that order.
type NetworkConfig struct {
	Name        string `yaml:"name"`
	NetworkType string `yaml:"network_type"`
	TokenName   string `yaml:"token_name"`

	RPCURL               string `yaml:"rpc_url"`
	ChainID              int64  `yaml:"chain_id"`
	ContractAddress      string `yaml:"contract_address"`
	HeartbeatAddress     string `yaml:"heartbeat_contract_address"`
	ImageRegistryAddress string `yaml:"image_registry_contract_address"`

	// BlockTime is the network's block interval in seconds. It paces
	// the DO request scan and sizes the order approval poll budget.
	BlockTime float64 `yaml:"block_time"`

	// RPCDelayMS is slept before every RPC call to stay inside
	// provider rate limits.
	RPCDelayMS int `yaml:"rpc_delay_ms"`

	GasLimit          uint64  `yaml:"gas_limit"`
	EIP1559           bool    `yaml:"eip1559"`
	GasPriceValue     float64 `yaml:"gas_price_value"`
	GasPriceMeasure   string  `yaml:"gas_price_measure"`
	MaxPriorityFee    float64 `yaml:"max_priority_fee_per_gas"`
	MaxFeePerGas      float64 `yaml:"max_fee_per_gas"`
	MinimumGasAtStart uint64  `yaml:"minimum_gas_at_start"`

	// POAMiddleware marks proof-of-authority chains whose block
	// headers carry oversized extra-data.
	POAMiddleware bool `yaml:"poa_middleware"`

	RewardType int     `yaml:"reward_type"`
	NetworkFee float64 `yaml:"network_fee"`
	EnclaveFee float64 `yaml:"enclave_fee"`

	TaskExecutionPrice int `yaml:"task_execution_price"`

	// TrustedZoneImages lists the enclave image names this network
	// accepts, comma separated. The first entry doubles as the
	// integration test image unless IntegrationTestImage overrides it.
	TrustedZoneImages    string `yaml:"trustedzone_images"`
	IntegrationTestImage string `yaml:"integration_test_image"`
}

// IsTestnet reports whether the network runs with testnet semantics
// (single dispersion slot, hourly heartbeat).
func (nc *NetworkConfig) IsTestnet() bool {
	return nc.NetworkType == TypeTestnet
}

// TrustedZoneImageList splits TrustedZoneImages into its entries.
func (nc *NetworkConfig) TrustedZoneImageList() []string {
	var out []string
	for _, img := range strings.Split(nc.TrustedZoneImages, ",") {
		img = strings.TrimSpace(img)
		if img != "" {
			out = append(out, img)
		}
	}
	return out
}

// catalog is the built-in network registry, keyed by name. Order of
// networkNames drives flag generation and the all/auto selections.
var networkNames = []string{
	"bloxberg_mainnet",
	"bloxberg_testnet",
	"polygon_mainnet",
	"polygon_amoy",
}

func catalog() map[string]NetworkConfig {
	return map[string]NetworkConfig{
		"bloxberg_mainnet": {
			Name:                 "bloxberg_mainnet",
			NetworkType:          TypeMainnet,
			TokenName:            "ETNY",
			RPCURL:               "https://bloxberg.ethernity.cloud",
			ChainID:              8995,
			ContractAddress:      "0x549A6E06BB2084100148D50F51CF77a3436C3Ae7",
			HeartbeatAddress:     "0x5c190F7253930C473822Ac358EcC55B4A4a09d61",
			ImageRegistryAddress: "0x15D73a742529C3fb11f3FA32EF7f0CC3870ACA31",
			BlockTime:            5,
			RPCDelayMS:           200,
			GasLimit:             9_000_000,
			EIP1559:              false,
			GasPriceValue:        1,
			GasPriceMeasure:      "mwei",
			MinimumGasAtStart:    1_000_000_000_000_000,
			POAMiddleware:        true,
			RewardType:           1,
			NetworkFee:           5,
			EnclaveFee:           10,
			TaskExecutionPrice:   3,
			TrustedZoneImages:    "etny-pynithy,etny-nodenithy",
			IntegrationTestImage: "etny-pynithy",
		},
		"bloxberg_testnet": {
			Name:                 "bloxberg_testnet",
			NetworkType:          TypeTestnet,
			TokenName:            "tETNY",
			RPCURL:               "https://bloxberg.ethernity.cloud",
			ChainID:              8995,
			ContractAddress:      "0x02882F03097fE8cD31afbdFbB5D72a498B41112c",
			HeartbeatAddress:     "0x9935422Bc40D5Da87b7bB97aF99792bbc663cbE1",
			ImageRegistryAddress: "0xF7F4eEb3d9a64387F4AcEb6d521b948E6E2fB049",
			BlockTime:            5,
			RPCDelayMS:           200,
			GasLimit:             9_000_000,
			EIP1559:              false,
			GasPriceValue:        1,
			GasPriceMeasure:      "mwei",
			MinimumGasAtStart:    0,
			POAMiddleware:        true,
			RewardType:           1,
			NetworkFee:           5,
			EnclaveFee:           10,
			TaskExecutionPrice:   3,
			TrustedZoneImages:    "etny-pynithy,etny-nodenithy",
			IntegrationTestImage: "etny-pynithy",
		},
		"polygon_mainnet": {
			Name:                 "polygon_mainnet",
			NetworkType:          TypeMainnet,
			TokenName:            "ECLD",
			RPCURL:               "https://polygon-rpc.com",
			ChainID:              137,
			ContractAddress:      "0x439945BE73fD86fcC172179021991E96Beff3Cc4",
			HeartbeatAddress:     "0x9CCAbD2c94C2f21876F4b9EF1A21Dd9cC11a1dc5",
			ImageRegistryAddress: "0x689f3806874d3c8A973f419a4eB24e6fBA7E830F",
			BlockTime:            2,
			RPCDelayMS:           1000,
			GasLimit:             20_000_000,
			EIP1559:              true,
			GasPriceMeasure:      "gwei",
			MaxPriorityFee:       35,
			MaxFeePerGas:         500,
			MinimumGasAtStart:    10_000_000_000_000_000,
			POAMiddleware:        true,
			RewardType:           2,
			NetworkFee:           5,
			EnclaveFee:           10,
			TaskExecutionPrice:   3,
			TrustedZoneImages:    "ecld-pynithy,ecld-nodenithy",
			IntegrationTestImage: "ecld-pynithy",
		},
		"polygon_amoy": {
			Name:                 "polygon_amoy",
			NetworkType:          TypeTestnet,
			TokenName:            "tECLD",
			RPCURL:               "https://rpc-amoy.polygon.technology",
			ChainID:              80002,
			ContractAddress:      "0x1579b37C5a69ae02dDd23263A2b1318DE66a27C3",
			HeartbeatAddress:     "0x104edEf0278BcD1e6E0b64F4bB2Ad1c2e146b1D5",
			ImageRegistryAddress: "0xeFA33c3976f31961285De7F3CDb504829f9C462c",
			BlockTime:            2,
			RPCDelayMS:           500,
			GasLimit:             20_000_000,
			EIP1559:              true,
			GasPriceMeasure:      "gwei",
			MaxPriorityFee:       35,
			MaxFeePerGas:         500,
			MinimumGasAtStart:    0,
			POAMiddleware:        true,
			RewardType:           2,
			NetworkFee:           5,
			EnclaveFee:           10,
			TaskExecutionPrice:   3,
			TrustedZoneImages:    "ecld-pynithy,ecld-nodenithy",
			IntegrationTestImage: "ecld-pynithy",
		},
	}
}

// legacyNames maps the single-network CLI values accepted by older
// releases onto catalog entries.
var legacyNames = map[string]string{
	"BLOXBERG": "bloxberg_mainnet",
	"TESTNET":  "bloxberg_testnet",
	"POLYGON":  "polygon_mainnet",
	"AMOY":     "polygon_amoy",
}

// autoNetworks are the entries selected by --network all or auto.
var autoNetworks = []string{"polygon_mainnet", "bloxberg_mainnet"}

// NetworkNames returns the catalog entry names in stable order.
func NetworkNames() []string {
	out := make([]string, len(networkNames))
	copy(out, networkNames)
	return out
}

// Network returns the catalog entry with the given name.
func Network(name string) (NetworkConfig, error) {
	nc, ok := catalog()[name]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unknown network %q", name)
	}
	return nc, nil
}

// SelectNetworks resolves the --network arguments into the set of
// networks the agent should serve. "all" selects every catalog entry,
// "auto" the mainnet pair; legacy single-network names map onto their
// catalog entries, and anything else must name a catalog entry.
// Duplicates collapse to the first occurrence.
func SelectNetworks(args []string) ([]NetworkConfig, error) {
	if len(args) == 0 {
		args = []string{"all"}
	}

	var selected []string
	for _, arg := range args {
		switch strings.ToLower(strings.TrimSpace(arg)) {
		case "", "all":
			selected = append(selected, networkNames...)
		case "auto":
			selected = append(selected, autoNetworks...)
		default:
			name := strings.TrimSpace(arg)
			if mapped, ok := legacyNames[strings.ToUpper(name)]; ok {
				name = mapped
			}
			selected = append(selected, name)
		}
	}

	seen := make(map[string]bool, len(selected))
	out := make([]NetworkConfig, 0, len(selected))
	for _, name := range selected {
		if seen[name] {
			continue
		}
		seen[name] = true
		nc, err := Network(name)
		if err != nil {
			return nil, err
		}
		out = append(out, nc)
	}
	return out, nil
}

// ApplyOverridesFile merges a YAML overrides file into the given
// networks. The file maps network name to a partial NetworkConfig;
// only fields present in the file are replaced.
func ApplyOverridesFile(path string, networks []NetworkConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read overrides file: %w", err)
	}
	var overrides map[string]yaml.Node
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse overrides file: %w", err)
	}
	for i := range networks {
		node, ok := overrides[networks[i].Name]
		if !ok {
			continue
		}
		if err := node.Decode(&networks[i]); err != nil {
			return fmt.Errorf("failed to decode overrides for %s: %w", networks[i].Name, err)
		}
	}
	return nil
}

// ApplyEnvOverrides replaces fields of nc from environment variables
// named <NETWORK>_<FIELD>, e.g. BLOXBERG_MAINNET_RPC_URL.
func ApplyEnvOverrides(nc *NetworkConfig) {
	prefix := strings.ToUpper(nc.Name) + "_"

	if v := os.Getenv(prefix + "RPC_URL"); v != "" {
		nc.RPCURL = v
	}
	if v := os.Getenv(prefix + "CONTRACT_ADDRESS"); v != "" {
		nc.ContractAddress = v
	}
	if v := os.Getenv(prefix + "HEARTBEAT_CONTRACT_ADDRESS"); v != "" {
		nc.HeartbeatAddress = v
	}
	if v := os.Getenv(prefix + "IMAGE_REGISTRY_CONTRACT_ADDRESS"); v != "" {
		nc.ImageRegistryAddress = v
	}
	if v := os.Getenv(prefix + "CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			nc.ChainID = id
		}
	}
	if v := os.Getenv(prefix + "GAS_LIMIT"); v != "" {
		if limit, err := strconv.ParseUint(v, 10, 64); err == nil {
			nc.GasLimit = limit
		}
	}
	if v := os.Getenv(prefix + "RPC_DELAY_MS"); v != "" {
		if delay, err := strconv.Atoi(v); err == nil {
			nc.RPCDelayMS = delay
		}
	}
	if v := os.Getenv(prefix + "BLOCK_TIME"); v != "" {
		if bt, err := strconv.ParseFloat(v, 64); err == nil {
			nc.BlockTime = bt
		}
	}
	if v := os.Getenv(prefix + "TRUSTEDZONE_IMAGES"); v != "" {
		nc.TrustedZoneImages = v
	}
}
