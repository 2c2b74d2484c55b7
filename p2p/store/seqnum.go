package store

import (
	"fmt"
	"sync"
	"time"

	"tradenet/storage"
)

const (
	// DefaultSequenceNumberPurgeAge is the age after which sequence numbers may be dropped.
	DefaultSequenceNumberPurgeAge = 10 * 24 * time.Hour
	// DefaultSequenceNumberPurgeThreshold is the map size above which purging starts.
	DefaultSequenceNumberPurgeThreshold = 1000
)

// MapValue is the last sequence number seen for a hash and when it was seen.
type MapValue struct {
	SequenceNr int32
	TimeStamp  int64
}

// SequenceNumberMap records the highest sequence number seen for every
// protected entry, including removed ones.
type SequenceNumberMap struct {
	now         func() time.Time
	persistence *storage.PersistenceManager

	mu      sync.Mutex
	entries map[ByteArray]MapValue
}

// NewSequenceNumberMap creates an empty map.
func NewSequenceNumberMap(persistence *storage.PersistenceManager, now func() time.Time) *SequenceNumberMap {
	if now == nil {
		now = time.Now
	}
	m := &SequenceNumberMap{now: now, persistence: persistence, entries: make(map[ByteArray]MapValue)}
	if persistence != nil {
		persistence.Initialize(m)
	}
	return m
}

// Get returns the recorded value for key.
func (m *SequenceNumberMap) Get(key ByteArray) (MapValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

// Put records seq for key at the current time.
func (m *SequenceNumberMap) Put(key ByteArray, seq int32) {
	m.mu.Lock()
	m.entries[key] = MapValue{SequenceNr: seq, TimeStamp: m.now().UnixMilli()}
	m.mu.Unlock()
	if m.persistence != nil {
		m.persistence.RequestPersistence()
	}
}

// HasSequenceNrIncreased reports whether seq is above the recorded number, or
// no number is recorded.
func (m *SequenceNumberMap) HasSequenceNrIncreased(seq int32, key ByteArray) bool {
	v, ok := m.Get(key)
	return !ok || seq > v.SequenceNr
}

// Next returns the sequence number to use for a new entry stored under key.
func (m *SequenceNumberMap) Next(key ByteArray) int32 {
	if v, ok := m.Get(key); ok {
		return v.SequenceNr + 1
	}
	return 1
}

// Purge drops entries older than maxAge once the map holds more than
// threshold entries. It returns the number of dropped entries.
func (m *SequenceNumberMap) Purge(maxAge time.Duration, threshold int) int {
	m.mu.Lock()
	if len(m.entries) <= threshold {
		m.mu.Unlock()
		return 0
	}
	cutoff := m.now().Add(-maxAge).UnixMilli()
	purged := 0
	for key, v := range m.entries {
		if v.TimeStamp < cutoff {
			delete(m.entries, key)
			purged++
		}
	}
	m.mu.Unlock()
	if purged > 0 && m.persistence != nil {
		m.persistence.RequestPersistence()
	}
	return purged
}

// Len returns the number of recorded hashes.
func (m *SequenceNumberMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *SequenceNumberMap) EncodeEnvelope() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b []byte
	for key, v := range m.entries {
		b = appendKeyedVarints(b, key, uint64(uint32(v.SequenceNr)), uint64(v.TimeStamp))
	}
	return b, nil
}

// ReadPersisted restores the map from disk.
func (m *SequenceNumberMap) ReadPersisted() error {
	if m.persistence == nil {
		return nil
	}
	_, err := m.persistence.ReadPersisted(func(body []byte) error {
		restored := make(map[ByteArray]MapValue)
		err := walkKeyedVarints(body, func(key ByteArray, values []uint64) {
			var v MapValue
			if len(values) > 0 {
				v.SequenceNr = int32(uint32(values[0]))
			}
			if len(values) > 1 {
				v.TimeStamp = int64(values[1])
			}
			restored[key] = v
		})
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.entries = restored
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("sequence number map: %w", err)
	}
	return nil
}

// Shutdown flushes pending writes.
func (m *SequenceNumberMap) Shutdown() error {
	if m.persistence == nil {
		return nil
	}
	return m.persistence.Shutdown()
}
