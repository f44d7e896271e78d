// Package ipfs moves order content between the network and the local
// disk: enclave images, compose files, task payloads and results are
// all addressed by CID. Downloads go through an HTTP gateway when the
// content is not already pinned on the daemon, and a timestamped
// ledger keeps repeat orders from fetching the same bytes twice.
//
// The package also owns the managed loopback daemon: version checks,
// kubo reinstalls, and the cross-worker bookkeeping that decides when
// a worker's cached content must be wiped after a daemon rebuild.
package ipfs
