package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

// MergedOrder is one audit record linking a DO request, the DP request
// it was matched with, and the resulting order.
type MergedOrder struct {
	DO    uint64 `json:"do_req"`
	DP    uint64 `json:"dp_req"`
	Order uint64 `json:"order_id"`
}

// AppendLog is the persistent audit trail of matched orders, a JSON
// array of MergedOrder records appended as orders are placed.
type AppendLog struct {
	path string

	mu      sync.Mutex
	entries []MergedOrder
}

// OpenAppendLog loads the log at path, tolerating missing or corrupt files.
func OpenAppendLog(path string) *AppendLog {
	l := &AppendLog{path: path}
	l.load()
	return l
}

func (l *AppendLog) load() {
	l.entries = nil
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			clog := log.WithComponent("cache")
			clog.Warn().Err(err).Str("path", l.path).Msg("failed to read merged orders log")
		}
		return
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		clog := log.WithComponent("cache")
		clog.Warn().Str("path", l.path).Msg("ignoring corrupt merged orders log")
		l.entries = nil
	}
}

func (l *AppendLog) persist() error {
	if l.entries == nil {
		l.entries = []MergedOrder{}
	}
	data, err := json.Marshal(l.entries)
	if err != nil {
		return fmt.Errorf("failed to encode merged orders log: %w", err)
	}
	if err := writeAtomic(l.path, data); err != nil {
		clog := log.WithComponent("cache")
		clog.Error().Err(err).Str("path", l.path).Msg("failed to persist merged orders log")
		return err
	}
	return nil
}

// Add appends a record and persists the log.
func (l *AppendLog) Add(e MergedOrder) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return l.persist()
}

// Remove drops every record for the given order id.
func (l *AppendLog) Remove(orderID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	removed := false
	for _, e := range l.entries {
		if e.Order == orderID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return nil
	}
	l.entries = kept
	return l.persist()
}

// Entries returns a copy of the log in append order.
func (l *AppendLog) Entries() []MergedOrder {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MergedOrder, len(l.entries))
	copy(out, l.entries)
	return out
}
