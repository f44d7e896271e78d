package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

// slotPollInterval is how often a waiting worker re-checks the task
// slot.
const slotPollInterval = time.Second

// TaskSlot serializes enclave execution across network workers. The
// host has one SGX enclave and one container engine, so only the slot
// owner may run an order end to end.
type TaskSlot struct {
	mu    sync.Mutex
	owner string
}

// TryAcquire claims the slot for network if it is free.
func (t *TaskSlot) TryAcquire(network string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != "" {
		return false
	}
	t.owner = network
	return true
}

// Acquire blocks until the slot is free and claims it for network.
func (t *TaskSlot) Acquire(ctx context.Context, network string) error {
	for {
		if t.TryAcquire(network) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slotPollInterval):
		}
	}
}

// Release frees the slot if network still owns it.
func (t *TaskSlot) Release(network string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner == network {
		t.owner = ""
	}
}

// Owner returns the network currently holding the slot, or empty.
func (t *TaskSlot) Owner() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// Reset clears the slot unconditionally. Called between worker
// generations, when no worker can be mid-order.
func (t *TaskSlot) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = ""
}

// IntegrationGate records whether the enclave integration test has
// passed during this process lifetime. The test proves the host can
// run the trusted stack, so one pass covers every network worker.
type IntegrationGate struct {
	mu     sync.Mutex
	passed bool
}

// Passed reports whether a worker already ran the test successfully.
func (g *IntegrationGate) Passed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.passed
}

// MarkPassed records a successful test run.
func (g *IntegrationGate) MarkPassed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passed = true
}

// Worker is one network processing loop. Run must return promptly once
// ctx is cancelled.
type Worker struct {
	Name string
	Run  func(ctx context.Context)
}

// Supervisor runs one worker goroutine per network and recycles the
// whole set on a fixed interval, giving each generation a fresh chain
// client and clean in-memory state.
type Supervisor struct {
	restartEvery time.Duration
	workers      []Worker
	slot         TaskSlot
	gate         IntegrationGate
	logger       zerolog.Logger
}

// New builds a supervisor over the given workers. restartEvery <= 0
// disables periodic recycling.
func New(restartEvery time.Duration, workers []Worker) *Supervisor {
	return &Supervisor{
		restartEvery: restartEvery,
		workers:      workers,
		logger:       log.WithComponent("supervisor"),
	}
}

// Add registers another worker. Must be called before Run; workers
// often need the shared slot and gate, which only exist after New.
func (s *Supervisor) Add(w Worker) {
	s.workers = append(s.workers, w)
}

// Slot returns the shared task slot.
func (s *Supervisor) Slot() *TaskSlot { return &s.slot }

// Gate returns the shared integration test gate.
func (s *Supervisor) Gate() *IntegrationGate { return &s.gate }

// Run spawns the workers and blocks until ctx is cancelled, recycling
// every generation after the restart interval.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		genCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		for _, w := range s.workers {
			wg.Add(1)
			go func(w Worker) {
				defer wg.Done()
				w.Run(genCtx)
				s.logger.Info().Str("network", w.Name).Msg("worker exited")
			}(w)
		}
		s.logger.Info().Int("workers", len(s.workers)).Msg("workers started")

		var timer *time.Timer
		var restart <-chan time.Time
		if s.restartEvery > 0 {
			timer = time.NewTimer(s.restartEvery)
			restart = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			cancel()
			wg.Wait()
			s.logger.Info().Msg("all workers stopped")
			return ctx.Err()
		case <-restart:
			s.logger.Info().Msg("initiating scheduled restart")
			cancel()
			wg.Wait()
			s.slot.Reset()
			s.logger.Info().Msg("all workers stopped, starting next generation")
		}
	}
}
