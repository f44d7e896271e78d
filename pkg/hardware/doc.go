// Package hardware probes host capacity (cpu cores, free memory, free
// storage) used to default the advertised capability flags. Values sent
// on-chain are clamped to the contract's uint8 range.
package hardware
