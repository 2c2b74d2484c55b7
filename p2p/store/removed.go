package store

import (
	"fmt"
	"sync"
	"time"

	"tradenet/storage"
)

// DefaultRemovedPayloadTTL is how long a removal is remembered.
const DefaultRemovedPayloadTTL = 15 * 24 * time.Hour

// RemovedPayloads remembers hashes of removed add-once payloads so they cannot
// be re-added while the network still carries them.
type RemovedPayloads struct {
	ttl         time.Duration
	now         func() time.Time
	persistence *storage.PersistenceManager

	mu      sync.Mutex
	removed map[ByteArray]int64
}

// NewRemovedPayloads creates the map. A non-positive ttl selects the default.
func NewRemovedPayloads(ttl time.Duration, persistence *storage.PersistenceManager, now func() time.Time) *RemovedPayloads {
	if ttl <= 0 {
		ttl = DefaultRemovedPayloadTTL
	}
	if now == nil {
		now = time.Now
	}
	r := &RemovedPayloads{ttl: ttl, now: now, persistence: persistence, removed: make(map[ByteArray]int64)}
	if persistence != nil {
		persistence.Initialize(r)
	}
	return r
}

// Add records the removal of key at the current time.
func (r *RemovedPayloads) Add(key ByteArray) {
	r.mu.Lock()
	r.removed[key] = r.now().UnixMilli()
	r.mu.Unlock()
	r.persist()
}

// Contains reports whether key was removed within the ttl.
func (r *RemovedPayloads) Contains(key ByteArray) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.removed[key]
	if !ok {
		return false
	}
	return r.now().Sub(time.UnixMilli(at)) <= r.ttl
}

// Purge drops removals older than the ttl and returns how many were dropped.
func (r *RemovedPayloads) Purge() int {
	r.mu.Lock()
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	purged := 0
	for key, at := range r.removed {
		if at < cutoff {
			delete(r.removed, key)
			purged++
		}
	}
	r.mu.Unlock()
	if purged > 0 {
		r.persist()
	}
	return purged
}

// Len returns the number of remembered removals.
func (r *RemovedPayloads) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

func (r *RemovedPayloads) EncodeEnvelope() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b []byte
	for key, at := range r.removed {
		b = appendKeyedVarints(b, key, uint64(at))
	}
	return b, nil
}

// ReadPersisted restores the map from disk.
func (r *RemovedPayloads) ReadPersisted() error {
	if r.persistence == nil {
		return nil
	}
	_, err := r.persistence.ReadPersisted(func(body []byte) error {
		restored := make(map[ByteArray]int64)
		err := walkKeyedVarints(body, func(key ByteArray, values []uint64) {
			if len(values) > 0 {
				restored[key] = int64(values[0])
			}
		})
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.removed = restored
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("removed payloads: %w", err)
	}
	return nil
}

// Shutdown flushes pending writes.
func (r *RemovedPayloads) Shutdown() error {
	if r.persistence == nil {
		return nil
	}
	return r.persistence.Shutdown()
}

func (r *RemovedPayloads) persist() {
	if r.persistence != nil {
		r.persistence.RequestPersistence()
	}
}
