// Package docker drives the host container runtime through the docker
// and docker-compose CLIs: enclave stacks arrive as compose files from
// the content store and run against a local registry:2 sidecar, so the
// CLI surface is the engine contract.
package docker
