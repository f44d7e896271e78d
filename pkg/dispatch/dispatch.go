package dispatch

import (
	"sync"

	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

// Decision is the outcome of a dispersion check for one DO request.
type Decision struct {
	// Place reports whether the order may be placed at this block.
	Place bool

	// WaitBlocks is how many blocks remain until this node's slot
	// when Place is false.
	WaitBlocks uint64
}

// Planner spreads order placement across the registered node
// population so the whole fleet does not race for the same DO request
// in the same block. It remembers, per DO request, whether this node
// is still inside its first dispersion cycle.
type Planner struct {
	testnet bool

	mu        sync.Mutex
	pastCycle map[uint64]bool
}

// NewPlanner returns a Planner. On testnets every block is a valid
// slot so placement is never delayed.
func NewPlanner(testnet bool) *Planner {
	return &Planner{
		testnet:   testnet,
		pastCycle: make(map[uint64]bool),
	}
}

// Factor returns the dispersion factor for the given node population:
// one slot per 25 registered nodes, never less than one.
func (p *Planner) Factor(totalNodes uint64) uint64 {
	if p.testnet {
		return 1
	}
	f := totalNodes / 25
	if f < 1 {
		f = 1
	}
	return f
}

// mod normalizes d into [0, n) for any sign of d.
func mod(d, n int64) int64 {
	return ((d % n) + n) % n
}

// Decide determines whether an order for doReq may be placed at the
// current block. The node's slot is derived from the block number and
// its DP request id; a missed slot is waited out during the first
// cycle and taken immediately on later cycles.
func (p *Planner) Decide(block, totalNodes, dpReq, doReq uint64) Decision {
	logger := log.WithComponent("dispatch")

	factor := int64(p.Factor(totalNodes))
	if factor > 1 {
		logger.Debug().
			Int64("factor", factor).
			Uint64("total_nodes", totalNodes).
			Msg("dispersion factor for registered nodes")
	}

	offsetMod := int64((block + dpReq) % uint64(factor))
	doMod := int64(doReq % uint64(factor))
	diff := doMod - offsetMod

	// Aligned with our slot at this block.
	if diff == 0 {
		return Decision{Place: true}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Early: the slot is still ahead in this cycle.
	if diff > 0 {
		logger.Debug().
			Int64("offset", offsetMod).
			Int64("required", doMod).
			Int64("wait", diff).
			Uint64("next_block", block+uint64(diff)).
			Msg("waiting for dispersion slot")
		p.pastCycle[doReq] = true
		return Decision{WaitBlocks: uint64(diff)}
	}

	// Missed the slot. During the first cycle wait for the next one,
	// afterwards place immediately rather than idle another cycle.
	if !p.pastCycle[doReq] {
		wait := mod(diff, factor)
		logger.Debug().
			Int64("offset", offsetMod).
			Int64("required", doMod).
			Int64("wait", wait).
			Uint64("next_block", block+uint64(wait)).
			Msg("missed slot in first cycle, waiting for next")
		return Decision{WaitBlocks: uint64(wait)}
	}

	logger.Debug().
		Int64("offset", offsetMod).
		Int64("required", doMod).
		Msg("missed slot past first cycle, placing now")
	return Decision{Place: true}
}

// Forget drops the first-cycle state for doReq once it no longer
// matters (order placed or request taken by another node).
func (p *Planner) Forget(doReq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pastCycle, doReq)
}
