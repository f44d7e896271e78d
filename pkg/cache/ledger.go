package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

// RetryRecord tracks how many times a booked order has been retried
// across agent restarts, together with the DP request uuid it was
// advertised under.
type RetryRecord struct {
	OrderID      uint64 `json:"order_id"`
	RetryCounter int    `json:"retry_counter"`
	UUID         string `json:"uuid"`
}

// RetryLedger persists a single RetryRecord per network so a crashing
// order does not loop forever: the counter survives restarts and the
// processor gives up past its cap.
type RetryLedger struct {
	path string

	mu     sync.Mutex
	record *RetryRecord
}

// OpenRetryLedger loads the ledger at path, tolerating missing or
// corrupt files.
func OpenRetryLedger(path string) *RetryLedger {
	l := &RetryLedger{path: path}
	l.load()
	return l
}

func (l *RetryLedger) load() {
	l.record = nil
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			clog := log.WithComponent("cache")
			clog.Warn().Err(err).Str("path", l.path).Msg("failed to read retry ledger")
		}
		return
	}
	var rec RetryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		clog := log.WithComponent("cache")
		clog.Warn().Str("path", l.path).Msg("ignoring corrupt retry ledger")
		return
	}
	l.record = &rec
}

// Get returns the ledger record for orderID, if one is stored.
func (l *RetryLedger) Get(orderID uint64) (RetryRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.record == nil || l.record.OrderID != orderID {
		return RetryRecord{}, false
	}
	return *l.record, true
}

// Put stores rec as the ledger's single record and persists it.
func (l *RetryLedger) Put(rec RetryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode retry ledger: %w", err)
	}
	if err := writeAtomic(l.path, data); err != nil {
		clog := log.WithComponent("cache")
		clog.Error().Err(err).Str("path", l.path).Msg("failed to persist retry ledger")
		return err
	}
	l.record = &rec
	return nil
}

// Clear removes the ledger file once an order completes.
func (l *RetryLedger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove retry ledger: %w", err)
	}
	return nil
}
