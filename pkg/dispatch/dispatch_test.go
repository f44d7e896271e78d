package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFactor(t *testing.T) {
	p := NewPlanner(false)

	tests := []struct {
		name       string
		totalNodes uint64
		want       uint64
	}{
		{"no nodes registered", 0, 1},
		{"below one slot", 24, 1},
		{"exactly one slot", 25, 1},
		{"four slots", 100, 4},
		{"truncated division", 119, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Factor(tt.totalNodes))
		})
	}
}

func TestFactorTestnetAlwaysOne(t *testing.T) {
	p := NewPlanner(true)
	assert.Equal(t, uint64(1), p.Factor(1000))
}

func TestDecideMissedSlotFirstCycle(t *testing.T) {
	p := NewPlanner(false)

	// N=100, B=1000, dp=7, do=42: offset 3, required 2, one block past
	// the slot in the first cycle, so wait 3 blocks for the next one.
	d := p.Decide(1000, 100, 7, 42)
	assert.False(t, d.Place)
	assert.Equal(t, uint64(3), d.WaitBlocks)

	// Next block is still not the slot.
	d = p.Decide(1001, 100, 7, 42)
	assert.False(t, d.Place)

	// Three blocks later the slot comes around.
	d = p.Decide(1003, 100, 7, 42)
	assert.True(t, d.Place)
}

func TestDecideEarlySlotWaits(t *testing.T) {
	p := NewPlanner(false)

	// offset 0, required 2: two blocks early.
	d := p.Decide(1000, 100, 0, 2)
	assert.False(t, d.Place)
	assert.Equal(t, uint64(2), d.WaitBlocks)
}

func TestDecideMissedSlotAfterFirstCyclePlaces(t *testing.T) {
	p := NewPlanner(false)

	// Being early marks the first cycle as passed for this request.
	d := p.Decide(1000, 100, 0, 2)
	assert.False(t, d.Place)

	// Now one block past the slot: no more waiting.
	d = p.Decide(1003, 100, 0, 2)
	assert.True(t, d.Place)
}

func TestDecideFirstCycleStateIsPerRequest(t *testing.T) {
	p := NewPlanner(false)

	// Request 2 leaves its first cycle, request 6 does not.
	assert.False(t, p.Decide(1000, 100, 0, 2).Place)

	// Both are one block past their slots at these offsets; only the
	// request past its first cycle places immediately.
	assert.True(t, p.Decide(1003, 100, 0, 2).Place)
	missed := p.Decide(1003, 100, 0, 6)
	assert.False(t, missed.Place)
	assert.Equal(t, uint64(3), missed.WaitBlocks)
}

func TestDecideAlignedPlaces(t *testing.T) {
	p := NewPlanner(false)
	assert.True(t, p.Decide(1000, 100, 2, 42).Place)
}

func TestDecideSmallFleetEveryBlockEligible(t *testing.T) {
	p := NewPlanner(false)
	for block := uint64(1000); block < 1010; block++ {
		assert.True(t, p.Decide(block, 24, 7, 42).Place)
	}
}

func TestForget(t *testing.T) {
	p := NewPlanner(false)

	assert.False(t, p.Decide(1000, 100, 0, 2).Place)
	p.Forget(2)

	// Back in its first cycle: a missed slot waits again.
	d := p.Decide(1003, 100, 0, 2)
	assert.False(t, d.Place)
}

func TestMod(t *testing.T) {
	assert.Equal(t, int64(3), mod(-1, 4))
	assert.Equal(t, int64(0), mod(-4, 4))
	assert.Equal(t, int64(1), mod(5, 4))
	assert.Equal(t, int64(0), mod(0, 4))
}
