// Package supervisor runs the per-network worker goroutines and the
// shared state between them: the single task slot gating enclave
// execution and the once-per-process integration test gate. Workers
// are recycled wholesale on a fixed interval.
package supervisor
