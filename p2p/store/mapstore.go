package store

import (
	"fmt"
	"log/slog"
	"sync"

	"tradenet/observability"
	"tradenet/p2p/payload"
	"tradenet/storage"
)

// MapStore is a deduplicating hash to payload map for one payload type.
type MapStore[P payload.Payload] struct {
	name        string
	persistence *storage.PersistenceManager
	logger      *slog.Logger

	mu      sync.RWMutex
	entries map[ByteArray]P
}

// NewMapStore creates an empty store. A nil persistence manager keeps the
// store in memory only.
func NewMapStore[P payload.Payload](name string, persistence *storage.PersistenceManager, logger *slog.Logger) *MapStore[P] {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MapStore[P]{
		name:        name,
		persistence: persistence,
		logger:      logger.With("store", name),
		entries:     make(map[ByteArray]P),
	}
	if persistence != nil {
		persistence.Initialize(s)
	}
	return s
}

func (s *MapStore[P]) Name() string { return s.name }

func (s *MapStore[P]) CanHandle(p payload.Payload) bool {
	_, ok := p.(P)
	return ok
}

// Get returns the payload stored under key.
func (s *MapStore[P]) Get(key ByteArray) (P, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[key]
	return p, ok
}

func (s *MapStore[P]) Contains(key ByteArray) bool {
	_, ok := s.Get(key)
	return ok
}

// PutIfAbsent stores p under key unless the key is taken. When it is, the
// stored payload is returned with loaded set.
func (s *MapStore[P]) PutIfAbsent(key ByteArray, p P) (prev P, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok {
		return existing, true
	}
	s.entries[key] = p
	return prev, false
}

func (s *MapStore[P]) Put(key ByteArray, p payload.Payload) bool {
	typed, ok := p.(P)
	if !ok {
		return false
	}
	_, loaded := s.PutIfAbsent(key, typed)
	observability.Store().RecordPut(s.name, !loaded)
	if !loaded {
		s.Persist()
	}
	return !loaded
}

// Remove deletes the keys and reports how many were present.
func (s *MapStore[P]) Remove(keys ...ByteArray) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Entries returns a typed snapshot of the store.
func (s *MapStore[P]) Entries() map[ByteArray]P {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ByteArray]P, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func (s *MapStore[P]) Map() map[ByteArray]payload.Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ByteArray]payload.Payload, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func (s *MapStore[P]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EncodeEnvelope returns the persisted body of the store.
func (s *MapStore[P]) EncodeEnvelope() ([]byte, error) {
	s.mu.RLock()
	list := make([]payload.Payload, 0, len(s.entries))
	for _, p := range s.entries {
		list = append(list, p)
	}
	s.mu.RUnlock()
	return payload.MarshalList(list), nil
}

// ReadPersisted restores entries from disk. A corrupted file is backed up by
// the persistence manager and the store starts empty.
func (s *MapStore[P]) ReadPersisted() error {
	if s.persistence == nil {
		return nil
	}
	restored, err := s.persistence.ReadPersisted(s.decode)
	if err != nil {
		return fmt.Errorf("store %s: %w", s.name, err)
	}
	if restored {
		s.logger.Info("Restored store from disk", "entries", s.Len())
	}
	observability.Store().SetSize(s.name, "live", s.Len())
	return nil
}

func (s *MapStore[P]) decode(body []byte) error {
	entries, err := decodeEntries[P](body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

func (s *MapStore[P]) Persist() {
	observability.Store().SetSize(s.name, "live", s.Len())
	if s.persistence != nil {
		s.persistence.RequestPersistence()
	}
}

func (s *MapStore[P]) Shutdown() error {
	if s.persistence == nil {
		return nil
	}
	return s.persistence.Shutdown()
}

// decodeEntries decodes a payload list, keeping only payloads of type P with a
// well-formed hash.
func decodeEntries[P payload.Payload](body []byte) (map[ByteArray]P, error) {
	list, err := payload.UnmarshalList(body)
	if err != nil {
		return nil, err
	}
	entries := make(map[ByteArray]P, len(list))
	for _, p := range list {
		typed, ok := p.(P)
		if !ok {
			return nil, fmt.Errorf("unexpected payload kind %s", p.Kind())
		}
		if !p.VerifyHashSize() {
			continue
		}
		entries[KeyOf(p)] = typed
	}
	return entries, nil
}
