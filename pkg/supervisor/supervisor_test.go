package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSlotExclusive(t *testing.T) {
	var slot TaskSlot

	assert.True(t, slot.TryAcquire("bloxberg_mainnet"))
	assert.Equal(t, "bloxberg_mainnet", slot.Owner())
	assert.False(t, slot.TryAcquire("polygon_mainnet"))

	slot.Release("polygon_mainnet")
	assert.Equal(t, "bloxberg_mainnet", slot.Owner(), "release by non-owner is ignored")

	slot.Release("bloxberg_mainnet")
	assert.Equal(t, "", slot.Owner())
	assert.True(t, slot.TryAcquire("polygon_mainnet"))
}

func TestTaskSlotReset(t *testing.T) {
	var slot TaskSlot
	require.True(t, slot.TryAcquire("bloxberg_mainnet"))
	slot.Reset()
	assert.Equal(t, "", slot.Owner())
}

func TestTaskSlotAcquireWaits(t *testing.T) {
	var slot TaskSlot
	require.True(t, slot.TryAcquire("bloxberg_mainnet"))

	acquired := make(chan struct{})
	go func() {
		if err := slot.Acquire(context.Background(), "polygon_mainnet"); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while slot was held")
	case <-time.After(100 * time.Millisecond):
	}

	slot.Release("bloxberg_mainnet")
	select {
	case <-acquired:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never acquired the slot")
	}
	assert.Equal(t, "polygon_mainnet", slot.Owner())
}

func TestTaskSlotAcquireHonorsContext(t *testing.T) {
	var slot TaskSlot
	require.True(t, slot.TryAcquire("bloxberg_mainnet"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := slot.Acquire(ctx, "polygon_mainnet")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntegrationGate(t *testing.T) {
	var gate IntegrationGate
	assert.False(t, gate.Passed())
	gate.MarkPassed()
	assert.True(t, gate.Passed())
}

func TestSupervisorRecyclesWorkers(t *testing.T) {
	var generations atomic.Int32
	workers := []Worker{{
		Name: "bloxberg_testnet",
		Run: func(ctx context.Context) {
			generations.Add(1)
			<-ctx.Done()
		},
	}}

	s := New(50*time.Millisecond, workers)
	require.True(t, s.Slot().TryAcquire("bloxberg_testnet"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, generations.Load(), int32(2), "expected at least one recycle")
	assert.Equal(t, "", s.Slot().Owner(), "slot resets between generations")
}

func TestSupervisorStopsAllWorkersOnCancel(t *testing.T) {
	var running atomic.Int32
	mk := func(name string) Worker {
		return Worker{
			Name: name,
			Run: func(ctx context.Context) {
				running.Add(1)
				defer running.Add(-1)
				<-ctx.Done()
			},
		}
	}

	s := New(0, []Worker{mk("bloxberg_mainnet"), mk("polygon_mainnet")})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, int32(0), running.Load())
}
