package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

// stampFormat is the timestamp encoding used inside timestamped stores.
const stampFormat = time.RFC3339

// writeAtomic replaces path with data via a temp file in the same
// directory, so a crash mid-write never leaves a truncated store.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// KV is a persistent ordered string map backed by a single JSON file.
// Entries beyond the limit are evicted oldest-first. A missing or
// corrupt file loads as an empty store.
type KV struct {
	path  string
	limit int

	mu    sync.Mutex
	keys  []string
	items map[string]string
}

// OpenKV loads the store at path. Load failures are logged and yield an
// empty store so a damaged cache never blocks agent boot.
func OpenKV(path string, limit int) *KV {
	kv := &KV{path: path, limit: limit}
	kv.load()
	return kv
}

func (kv *KV) load() {
	kv.keys = nil
	kv.items = make(map[string]string)

	data, err := os.ReadFile(kv.path)
	if err != nil {
		if !os.IsNotExist(err) {
			clog := log.WithComponent("cache")
			clog.Warn().Err(err).Str("path", kv.path).Msg("failed to read cache file")
		}
		return
	}

	// Decode token-wise so key order in the file is preserved and
	// eviction stays oldest-first across restarts.
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		clog := log.WithComponent("cache")
		clog.Warn().Str("path", kv.path).Msg("ignoring corrupt cache file")
		return
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, ok := keyTok.(string)
		if !ok {
			break
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			break
		}
		if _, exists := kv.items[key]; !exists {
			kv.keys = append(kv.keys, key)
		}
		kv.items[key] = value
	}
}

func (kv *KV) persist() error {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, key := range kv.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		v, _ := json.Marshal(kv.items[key])
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')

	if err := writeAtomic(kv.path, buf.Bytes()); err != nil {
		clog := log.WithComponent("cache")
		clog.Error().Err(err).Str("path", kv.path).Msg("failed to persist cache")
		return err
	}
	return nil
}

// Get returns the value stored for key.
func (kv *KV) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.items[key]
	return v, ok
}

// KeyOf returns the first key holding value, in insertion order.
func (kv *KV) KeyOf(value string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for _, key := range kv.keys {
		if kv.items[key] == value {
			return key, true
		}
	}
	return "", false
}

// Add inserts or replaces key and persists the store. When the store
// grows past its limit the oldest entries are evicted first.
func (kv *KV) Add(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if _, exists := kv.items[key]; !exists {
		kv.keys = append(kv.keys, key)
	}
	kv.items[key] = value

	for kv.limit > 0 && len(kv.keys) > kv.limit {
		oldest := kv.keys[0]
		kv.keys = kv.keys[1:]
		delete(kv.items, oldest)
	}
	return kv.persist()
}

// Remove deletes key and persists the store.
func (kv *KV) Remove(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if _, exists := kv.items[key]; !exists {
		return nil
	}
	delete(kv.items, key)
	for i, k := range kv.keys {
		if k == key {
			kv.keys = append(kv.keys[:i], kv.keys[i+1:]...)
			break
		}
	}
	return kv.persist()
}

// Keys returns all keys in insertion order.
func (kv *KV) Keys() []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	out := make([]string, len(kv.keys))
	copy(out, kv.keys)
	return out
}

// Len returns the number of stored entries.
func (kv *KV) Len() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.keys)
}

// Wipe empties the store and persists the empty state.
func (kv *KV) Wipe() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.keys = nil
	kv.items = make(map[string]string)
	return kv.persist()
}

// Reload re-reads the store from disk, picking up writes made by
// another worker through the shared file.
func (kv *KV) Reload() {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.load()
}

// Set is a persistent string set backed by a JSON array file.
type Set struct {
	path  string
	limit int

	mu     sync.Mutex
	order  []string
	member map[string]struct{}
}

// OpenSet loads the set at path, tolerating missing or corrupt files.
func OpenSet(path string, limit int) *Set {
	s := &Set{path: path, limit: limit}
	s.load()
	return s
}

func (s *Set) load() {
	s.order = nil
	s.member = make(map[string]struct{})

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			clog := log.WithComponent("cache")
			clog.Warn().Err(err).Str("path", s.path).Msg("failed to read cache file")
		}
		return
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		clog := log.WithComponent("cache")
		clog.Warn().Str("path", s.path).Msg("ignoring corrupt cache file")
		return
	}
	for _, v := range values {
		if _, ok := s.member[v]; !ok {
			s.order = append(s.order, v)
			s.member[v] = struct{}{}
		}
	}
}

func (s *Set) persist() error {
	if s.order == nil {
		s.order = []string{}
	}
	data, err := json.Marshal(s.order)
	if err != nil {
		return fmt.Errorf("failed to encode set: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		clog := log.WithComponent("cache")
		clog.Error().Err(err).Str("path", s.path).Msg("failed to persist cache")
		return err
	}
	return nil
}

// Contains reports membership of v.
func (s *Set) Contains(v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.member[v]
	return ok
}

// Add inserts v if absent and persists. Adding an existing value is a
// no-op and does not rewrite the file.
func (s *Set) Add(v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.member[v]; ok {
		return nil
	}
	s.order = append(s.order, v)
	s.member[v] = struct{}{}

	for s.limit > 0 && len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.member, oldest)
	}
	return s.persist()
}

// Values returns the members in insertion order.
func (s *Set) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of members.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Wipe empties the set and persists the empty state.
func (s *Set) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.member = make(map[string]struct{})
	return s.persist()
}

// Reload re-reads the set from disk, picking up writes made by another
// worker through the shared file.
func (s *Set) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
}

// TimestampedSet is a persistent set that records when each value was
// last added. The on-disk format is a JSON object mapping value to an
// RFC3339 timestamp; older deployments wrote a bare JSON array, which
// is migrated in place on first load with the current time as stamp.
type TimestampedSet struct {
	path  string
	limit int

	mu     sync.Mutex
	order  []string
	stamps map[string]time.Time
}

// OpenTimestampedSet loads the set at path, migrating legacy layouts.
func OpenTimestampedSet(path string, limit int) *TimestampedSet {
	ts := &TimestampedSet{path: path, limit: limit}
	ts.load()
	return ts
}

func (ts *TimestampedSet) load() {
	ts.order = nil
	ts.stamps = make(map[string]time.Time)

	data, err := os.ReadFile(ts.path)
	if err != nil {
		if !os.IsNotExist(err) {
			clog := log.WithComponent("cache")
			clog.Warn().Err(err).Str("path", ts.path).Msg("failed to read cache file")
		}
		return
	}

	var stamped map[string]string
	if err := json.Unmarshal(data, &stamped); err == nil {
		// Order by stamp so eviction drops the oldest entries.
		for v, raw := range stamped {
			when, err := time.Parse(stampFormat, raw)
			if err != nil {
				when = time.Now()
			}
			ts.order = append(ts.order, v)
			ts.stamps[v] = when
		}
		ts.sortByStamp()
		return
	}

	// Legacy format: a plain JSON array without timestamps.
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		clog := log.WithComponent("cache")
		clog.Warn().Str("path", ts.path).Msg("ignoring corrupt cache file")
		return
	}
	now := time.Now()
	for _, v := range values {
		if _, ok := ts.stamps[v]; !ok {
			ts.order = append(ts.order, v)
			ts.stamps[v] = now
		}
	}
	ts.persist()
	clog := log.WithComponent("cache")
	clog.Info().Str("path", ts.path).Msg("migrated legacy cache format")
}

func (ts *TimestampedSet) sortByStamp() {
	for i := 1; i < len(ts.order); i++ {
		for j := i; j > 0 && ts.stamps[ts.order[j]].Before(ts.stamps[ts.order[j-1]]); j-- {
			ts.order[j], ts.order[j-1] = ts.order[j-1], ts.order[j]
		}
	}
}

func (ts *TimestampedSet) persist() error {
	out := make(map[string]string, len(ts.stamps))
	for v, when := range ts.stamps {
		out[v] = when.Format(stampFormat)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode set: %w", err)
	}
	if err := writeAtomic(ts.path, data); err != nil {
		clog := log.WithComponent("cache")
		clog.Error().Err(err).Str("path", ts.path).Msg("failed to persist cache")
		return err
	}
	return nil
}

// Contains reports membership of v.
func (ts *TimestampedSet) Contains(v string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.stamps[v]
	return ok
}

// Timestamp returns when v was last added.
func (ts *TimestampedSet) Timestamp(v string) (time.Time, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	when, ok := ts.stamps[v]
	return when, ok
}

// Add inserts v with the current time, refreshing the stamp if it is
// already present, and persists the store.
func (ts *TimestampedSet) Add(v string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.stamps[v]; ok {
		ts.stamps[v] = time.Now()
		for i, existing := range ts.order {
			if existing == v {
				ts.order = append(ts.order[:i], ts.order[i+1:]...)
				break
			}
		}
		ts.order = append(ts.order, v)
		return ts.persist()
	}

	ts.order = append(ts.order, v)
	ts.stamps[v] = time.Now()

	for ts.limit > 0 && len(ts.order) > ts.limit {
		oldest := ts.order[0]
		ts.order = ts.order[1:]
		delete(ts.stamps, oldest)
	}
	return ts.persist()
}

// Remove deletes v and persists the store.
func (ts *TimestampedSet) Remove(v string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.stamps[v]; !ok {
		return nil
	}
	delete(ts.stamps, v)
	for i, existing := range ts.order {
		if existing == v {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	return ts.persist()
}

// Values returns the members ordered oldest stamp first.
func (ts *TimestampedSet) Values() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, len(ts.order))
	copy(out, ts.order)
	return out
}

// Len returns the number of members.
func (ts *TimestampedSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.order)
}

// Wipe empties the set and persists the empty state.
func (ts *TimestampedSet) Wipe() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.order = nil
	ts.stamps = make(map[string]time.Time)
	return ts.persist()
}

// Reload re-reads the set from disk, picking up writes made by another
// worker through the shared file.
func (ts *TimestampedSet) Reload() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.load()
}
