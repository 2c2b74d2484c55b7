package events

import (
	"testing"
	"time"
)

func TestRecorderKeepsMostRecent(t *testing.T) {
	r := NewRecorder(2)
	for _, state := range []string{"A", "B", "C"} {
		r.Emit(TradeStateChanged{TradeID: "t", Role: "BUYER", To: state})
	}
	got := r.Events()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Attributes["to"] != "B" || got[1].Attributes["to"] != "C" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].Type != TypeTradeStateChanged {
		t.Fatalf("unexpected type %s", got[0].Type)
	}
}

func TestRecorderSubscribe(t *testing.T) {
	r := NewRecorder(8)
	r.Emit(TradeCompleted{TradeID: "old"})

	updates, backlog, cancel := r.Subscribe(4)
	if len(backlog) != 1 {
		t.Fatalf("expected backlog of 1, got %d", len(backlog))
	}
	r.Emit(TradeStateChanged{TradeID: "new", To: "DEPOSIT_TX_PUBLISHED"})

	select {
	case evt := <-updates:
		if evt.Attributes["tradeId"] != "new" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive event")
	}

	cancel()
	cancel()
	if _, ok := <-updates; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	// Emitting after cancel must not panic.
	r.Emit(TradeCompleted{TradeID: "late"})
}

func TestEventAttributes(t *testing.T) {
	stats := TradeStatisticsPublished{TradeID: "t", Currency: " eur ", Added: true}.Event()
	if stats.Attributes["currency"] != "EUR" || stats.Attributes["added"] != "true" {
		t.Fatalf("unexpected statistics attributes %v", stats.Attributes)
	}
	failed := TradeFailed{TradeID: "t", State: "DEPOSIT_TX_PREPARED", Error: "boom"}.Event()
	if _, ok := failed.Attributes["task"]; ok {
		t.Fatalf("empty task must be omitted: %v", failed.Attributes)
	}
	vote := BlindVoteAdded{TxID: "tx", Stake: 5, Origin: "seed"}.Event()
	if vote.Attributes["origin"] != "seed" || vote.Attributes["stake"] != "5" {
		t.Fatalf("unexpected vote attributes %v", vote.Attributes)
	}
}
