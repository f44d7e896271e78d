// Package node implements the per-network worker: it advertises the
// host's capacity as DP requests, scans the marketplace for matching
// DO requests, places and processes the resulting orders through the
// SGX enclave stack, and submits results on-chain.
//
// A worker owns all per-network state (caches, content store client,
// chain client) and runs as one goroutine under the supervisor. The
// enclave and container engine are host-wide, so order execution is
// serialized across workers through the shared task slot.
package node
