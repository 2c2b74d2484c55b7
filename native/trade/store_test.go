package trade

import (
	"path/filepath"
	"testing"
	"time"

	"tradenet/storage"
)

func sampleTrade(id string, created time.Time) *Trade {
	return &Trade{
		ID:          id,
		Role:        RoleSeller,
		State:       StateDepositTxPublished,
		PeerAddress: buyerAddr,
		Terms:       testTerms(),
		DepositTx:   &Tx{ID: "deposit-" + id, Outputs: []TxOutput{{Address: "multisig", Value: testTerms().MultiSigAmount()}}},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestLevelStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	store := NewLevelStore(db)
	later := sampleTrade("b", testStart.Add(time.Minute))
	earlier := sampleTrade("a", testStart)
	ctx := &Context{Version: 7, MyPaymentAccount: []byte("acct"), PreparedDepositTx: later.DepositTx.Clone()}
	if err := store.Save(Record{Trade: later, Context: ctx}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(Record{Trade: earlier}); err != nil {
		t.Fatalf("save: %v", err)
	}
	db.Close()

	db, err = storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer db.Close()
	store = NewLevelStore(db)

	rec, err := store.Load("b")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Context.Version != 7 || string(rec.Context.MyPaymentAccount) != "acct" {
		t.Fatalf("unexpected context %+v", rec.Context)
	}
	if rec.Trade.DepositTx == nil || rec.Trade.DepositTx.ID != "deposit-b" {
		t.Fatalf("deposit not restored: %+v", rec.Trade.DepositTx)
	}
	if rec.Trade.State != StateDepositTxPublished {
		t.Fatalf("state = %s", rec.Trade.State)
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].Trade.ID != "a" || all[1].Trade.ID != "b" {
		t.Fatalf("unexpected order: %v", all)
	}
	if all[0].Context == nil {
		t.Fatalf("missing context defaults to empty")
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load("a"); err != ErrTradeNotFound {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}
}

func TestLevelStoreRejectsRecordWithoutID(t *testing.T) {
	store := NewLevelStore(storage.NewMemDB())
	if err := store.Save(Record{Trade: &Trade{}}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestArchiveAddGetList(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	first := sampleTrade("first", testStart)
	second := sampleTrade("second", testStart)
	second.PayoutTx = &Tx{ID: "payout-second"}
	if err := archive.Add(first, testStart.Add(time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := archive.Add(second, testStart.Add(2*time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Archiving again overwrites.
	first.ErrorMessage = "late update"
	if err := archive.Add(first, testStart.Add(time.Hour)); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	got, err := archive.Get("first")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ErrorMessage != "late update" || got.Terms != testTerms() {
		t.Fatalf("unexpected archived trade %+v", got)
	}
	if _, err := archive.Get("missing"); err != ErrTradeNotFound {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}

	list, err := archive.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "second" || list[1].ID != "first" {
		t.Fatalf("unexpected list order")
	}
	limited, err := archive.List(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 || limited[0].PayoutTx.ID != "payout-second" {
		t.Fatalf("unexpected limited list")
	}
}

func TestArchiveDialectorByDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://trade:pw@localhost:5432/archive": "postgres",
		"postgresql://localhost/archive":             "postgres",
		"host=localhost dbname=archive":              "postgres",
		"archive.db":                                 "sqlite",
		"file::memory:?cache=shared":                 "sqlite",
	}
	for dsn, want := range tests {
		if got := archiveDialector(dsn).Name(); got != want {
			t.Fatalf("%s: dialector %s, want %s", dsn, got, want)
		}
	}
}
