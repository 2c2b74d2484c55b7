package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, key := range []string{"trade/b", "trade/a", "other/c"} {
		if err := db.Put([]byte(key), []byte("v-"+key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	ok, err := db.Has([]byte("trade/a"))
	if err != nil || !ok {
		t.Fatalf("has: ok=%v err=%v", ok, err)
	}

	var keys []string
	if err := db.Iterate([]byte("trade/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 2 || keys[0] != "trade/a" || keys[1] != "trade/b" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := db.Delete([]byte("trade/a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = db.Has([]byte("trade/a"))
	if err != nil || ok {
		t.Fatalf("expected key removed: ok=%v err=%v", ok, err)
	}
}

func TestMemDB(t *testing.T) {
	exerciseDatabase(t, NewMemDB())
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(db.Close)
	exerciseDatabase(t, db)
}
