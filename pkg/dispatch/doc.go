// Package dispatch implements the block-aligned dispersion rule that
// spreads order placement across the registered node population: one
// placement slot per 25 nodes, with first-cycle misses waited out and
// later misses taken immediately.
package dispatch
