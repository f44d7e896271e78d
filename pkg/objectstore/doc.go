// Package objectstore wraps the S3 API of the swift-stream sidecar,
// the file channel between the agent and the enclave stack: task
// payloads and inputs go in, results and signed transactions come out.
package objectstore
