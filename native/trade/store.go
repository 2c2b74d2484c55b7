package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tradenet/storage"
)

// Record is the persisted form of an open trade.
type Record struct {
	Trade   *Trade   `json:"trade"`
	Context *Context `json:"context"`
}

// Store persists open trades between protocol steps.
type Store interface {
	Save(rec Record) error
	Load(id string) (Record, error)
	Delete(id string) error
	List() ([]Record, error)
}

var tradeKeyPrefix = []byte("trade/")

func tradeKey(id string) []byte {
	return append(append([]byte(nil), tradeKeyPrefix...), id...)
}

// LevelStore keeps open trades as JSON records in a key-value database.
type LevelStore struct {
	db storage.Database
}

// NewLevelStore wraps db. Use storage.NewMemDB for tests.
func NewLevelStore(db storage.Database) *LevelStore {
	return &LevelStore{db: db}
}

// Save writes the record under the trade id.
func (s *LevelStore) Save(rec Record) error {
	if rec.Trade == nil || strings.TrimSpace(rec.Trade.ID) == "" {
		return fmt.Errorf("trade: record without trade id")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trade: encode record %s: %w", rec.Trade.ID, err)
	}
	return s.db.Put(tradeKey(rec.Trade.ID), raw)
}

// Load reads the record for id.
func (s *LevelStore) Load(id string) (Record, error) {
	raw, err := s.db.Get(tradeKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrTradeNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(raw)
}

// Delete removes the record for id.
func (s *LevelStore) Delete(id string) error {
	return s.db.Delete(tradeKey(id))
}

// List returns all open trades ordered by creation time.
func (s *LevelStore) List() ([]Record, error) {
	var (
		out    []Record
		decErr error
	)
	err := s.db.Iterate(tradeKeyPrefix, func(_, value []byte) bool {
		rec, err := decodeRecord(value)
		if err != nil {
			decErr = err
			return false
		}
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trade.CreatedAt.Equal(out[j].Trade.CreatedAt) {
			return out[i].Trade.ID < out[j].Trade.ID
		}
		return out[i].Trade.CreatedAt.Before(out[j].Trade.CreatedAt)
	})
	return out, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("trade: decode record: %w", err)
	}
	if rec.Trade == nil {
		return Record{}, fmt.Errorf("trade: record without trade")
	}
	if rec.Context == nil {
		rec.Context = &Context{}
	}
	return rec, nil
}
