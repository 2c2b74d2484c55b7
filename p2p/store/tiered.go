package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"tradenet/observability"
	"tradenet/p2p/payload"
	"tradenet/storage"
)

// HistoricalFileName names the bundled resource holding the snapshot of a release.
func HistoricalFileName(baseFileName, version string) string {
	return baseFileName + "_" + version
}

type historicalTier[P payload.Payload] struct {
	version *semver.Version
	entries map[ByteArray]P
}

// TieredStore is a content-addressed store made of a writable live tier and
// read-only historical tiers, one per release snapshot. A key present in any
// tier is never added again.
type TieredStore[P payload.Payload] struct {
	live   *MapStore[P]
	logger *slog.Logger

	mu    sync.RWMutex
	tiers []historicalTier[P]
}

// NewTieredStore wraps live with an initially empty set of historical tiers.
func NewTieredStore[P payload.Payload](live *MapStore[P], logger *slog.Logger) *TieredStore[P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredStore[P]{live: live, logger: logger.With("store", live.Name())}
}

// LoadHistorical reads the snapshot of every version from resourceDir. A
// missing resource leaves that version empty. Live entries that also appear in
// a snapshot are pruned from the live tier, which is then persisted.
func (s *TieredStore[P]) LoadHistorical(resourceDir, baseFileName string, versions []string) error {
	loaded := make([]historicalTier[P], 0, len(versions))
	for _, raw := range versions {
		version, err := semver.NewVersion(raw)
		if err != nil {
			return fmt.Errorf("store %s: historical version %q: %w", s.live.Name(), raw, err)
		}
		path := filepath.Join(resourceDir, HistoricalFileName(baseFileName, raw))
		entries, err := s.readSnapshot(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("Historical store resource missing", "version", raw, "path", path)
			entries = map[ByteArray]P{}
		case err != nil:
			s.logger.Error("Historical store resource unreadable", "version", raw, "path", path, "error", err)
			entries = map[ByteArray]P{}
		}
		loaded = append(loaded, historicalTier[P]{version: version, entries: entries})
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].version.LessThan(loaded[j].version) })

	s.mu.Lock()
	s.tiers = loaded
	s.mu.Unlock()

	var duplicates []ByteArray
	for key := range s.live.Entries() {
		if s.inHistorical(key) {
			duplicates = append(duplicates, key)
		}
	}
	if len(duplicates) > 0 {
		removed := s.live.Remove(duplicates...)
		s.logger.Info("Pruned live entries present in historical stores", "removed", removed)
		s.live.Persist()
	}
	observability.Store().SetSize(s.live.Name(), "historical", s.historicalLen())
	return nil
}

func (s *TieredStore[P]) readSnapshot(path string) (map[ByteArray]P, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	body, err := storage.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries[P](body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.logger.Debug("Loaded historical store", "path", path, "bytes", len(raw), "entries", len(entries), "checksum", storage.Checksum(raw))
	return entries, nil
}

// WriteSnapshot freezes entries into the resource file of version.
func WriteSnapshot[P payload.Payload](resourceDir, baseFileName, version string, entries map[ByteArray]P) (string, error) {
	if _, err := semver.NewVersion(version); err != nil {
		return "", fmt.Errorf("store: snapshot version %q: %w", version, err)
	}
	list := make([]payload.Payload, 0, len(entries))
	for _, p := range entries {
		list = append(list, p)
	}
	path := filepath.Join(resourceDir, HistoricalFileName(baseFileName, version))
	if err := storage.WriteEnvelopeFile(path, payload.MarshalList(list)); err != nil {
		return "", err
	}
	return path, nil
}

func (s *TieredStore[P]) inHistorical(key ByteArray) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tier := range s.tiers {
		if _, ok := tier.entries[key]; ok {
			return true
		}
	}
	return false
}

func (s *TieredStore[P]) historicalLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tier := range s.tiers {
		n += len(tier.entries)
	}
	return n
}

// Get looks key up in every tier.
func (s *TieredStore[P]) Get(key ByteArray) (P, bool) {
	if p, ok := s.live.Get(key); ok {
		return p, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tier := range s.tiers {
		if p, ok := tier.entries[key]; ok {
			return p, true
		}
	}
	var zero P
	return zero, false
}

// PutIfAbsent adds p to the live tier unless key exists in any tier, in which
// case the stored payload is returned with loaded set.
func (s *TieredStore[P]) PutIfAbsent(key ByteArray, p P) (P, bool) {
	s.mu.RLock()
	for _, tier := range s.tiers {
		if existing, ok := tier.entries[key]; ok {
			s.mu.RUnlock()
			return existing, true
		}
	}
	s.mu.RUnlock()
	return s.live.PutIfAbsent(key, p)
}

func (s *TieredStore[P]) Name() string { return s.live.Name() }

func (s *TieredStore[P]) CanHandle(p payload.Payload) bool { return s.live.CanHandle(p) }

func (s *TieredStore[P]) Contains(key ByteArray) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *TieredStore[P]) Put(key ByteArray, p payload.Payload) bool {
	typed, ok := p.(P)
	if !ok {
		return false
	}
	_, loaded := s.PutIfAbsent(key, typed)
	observability.Store().RecordPut(s.Name(), !loaded)
	if !loaded {
		s.live.Persist()
	}
	return !loaded
}

func (s *TieredStore[P]) Len() int { return s.live.Len() + s.historicalLen() }

// Map returns the live tier.
func (s *TieredStore[P]) Map() map[ByteArray]payload.Payload { return s.live.Map() }

func (s *TieredStore[P]) MapOfLiveData() map[ByteArray]payload.Payload { return s.live.Map() }

func (s *TieredStore[P]) MapOfAllData() map[ByteArray]payload.Payload {
	return s.MapSinceVersion("")
}

func (s *TieredStore[P]) MapSinceVersion(version string) map[ByteArray]payload.Payload {
	out := s.live.Map()
	var requested *semver.Version
	if version != "" {
		v, err := semver.NewVersion(version)
		if err != nil {
			s.logger.Debug("Unparseable requester version, returning all data", "version", version, "error", err)
		} else {
			requested = v
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tier := range s.tiers {
		if requested != nil && !tier.version.GreaterThan(requested) {
			continue
		}
		for k, p := range tier.entries {
			out[k] = p
		}
	}
	return out
}

// Versions lists the loaded historical versions in ascending order.
func (s *TieredStore[P]) Versions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tiers))
	for _, tier := range s.tiers {
		out = append(out, tier.version.Original())
	}
	return out
}

// Live exposes the writable tier.
func (s *TieredStore[P]) Live() *MapStore[P] { return s.live }

func (s *TieredStore[P]) ReadPersisted() error { return s.live.ReadPersisted() }

func (s *TieredStore[P]) Persist() { s.live.Persist() }

func (s *TieredStore[P]) Shutdown() error { return s.live.Shutdown() }
