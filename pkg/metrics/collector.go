package metrics

import (
	"math/big"
	"sync"
	"time"
)

// BalanceSource exposes one network's operator wallet balance.
type BalanceSource interface {
	NetworkName() string
	Balance() (*big.Int, error)
}

// Collector periodically refreshes the gas balance gauges from the
// registered per-network sources.
type Collector struct {
	mu      sync.Mutex
	sources []BalanceSource
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		stopCh: make(chan struct{}),
	}
}

// Register adds a balance source. Safe to call after Start.
func (c *Collector) Register(src BalanceSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(60 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.mu.Lock()
	sources := make([]BalanceSource, len(c.sources))
	copy(sources, c.sources)
	c.mu.Unlock()

	for _, src := range sources {
		balance, err := src.Balance()
		if err != nil {
			continue
		}
		value, _ := new(big.Float).SetInt(balance).Float64()
		GasBalance.WithLabelValues(src.NetworkName()).Set(value)
	}
}
