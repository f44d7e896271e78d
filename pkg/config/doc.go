/*
Package config holds the network catalog, CLI options and on-disk layout.

A NetworkConfig describes one marketplace deployment (RPC endpoint, contract
addresses, gas model, fees, trusted-zone images). The built-in catalog covers
the bloxberg and polygon deployments; values are overridden in order by an
optional YAML overrides file, environment variables named
<NETWORK>_<FIELD> (loaded from .env or .env.config via godotenv), and
generated CLI flags --<network>-<field>.

Network selection accepts a catalog name, a legacy single-network value
(BLOXBERG, TESTNET, POLYGON, AMOY) or all/auto, which serves the mainnet
pair concurrently.

Paths lays out the per-network cache directory (order index, content ledger,
request ledgers, stamp files, per-order work dirs) plus the parent-level
files shared by all workers.
*/
package config
