package p2p

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"tradenet/crypto"
)

func TestMailboxMessageIDIsDeterministic(t *testing.T) {
	sender := NodeAddress{Host: "seller.onion", Port: 9999}
	first := MailboxMessageID("offer-1", sender)
	second := MailboxMessageID("offer-1", sender)
	if first != second {
		t.Fatalf("expected identical ids, got %s and %s", first, second)
	}
	if MailboxMessageID("offer-2", sender) == first {
		t.Fatalf("different trades must not share an id")
	}
	if MailboxMessageID("offer-1", NodeAddress{Host: "other.onion", Port: 9999}) == first {
		t.Fatalf("different senders must not share an id")
	}
	if NewUID() == NewUID() {
		t.Fatalf("random uids must differ")
	}
}

func TestCapabilitiesJSON(t *testing.T) {
	caps := NewCapabilities(CapabilityBlindVote, CapabilityTradeStatistics3)
	raw, err := json.Marshal(caps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Capabilities
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.ContainsAll(caps) || !caps.ContainsAll(decoded) {
		t.Fatalf("capabilities changed across json: %s vs %s", caps, decoded)
	}
	if NewCapabilities(CapabilityMailbox).ContainsAll(caps) {
		t.Fatalf("subset must not contain all")
	}
	if c, err := ParseCapability("trade_statistics_3"); err != nil || c != CapabilityTradeStatistics3 {
		t.Fatalf("parse capability: %v %v", c, err)
	}
}

func TestParseNodeAddress(t *testing.T) {
	addr, err := ParseNodeAddress("localhost:2002")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.FullAddress() != "localhost:2002" {
		t.Fatalf("unexpected address %s", addr)
	}
	if _, err := ParseNodeAddress("localhost"); err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func TestLoopbackMailboxDeduplicatesByUID(t *testing.T) {
	net := NewLoopback()
	seller := NodeAddress{Host: "seller", Port: 1}
	buyer := NodeAddress{Host: "buyer", Port: 2}
	var received atomic.Int32
	endpoint := net.Register(seller, HandlerFunc(func(context.Context, Envelope) error { return nil }))
	net.Register(buyer, HandlerFunc(func(context.Context, Envelope) error {
		received.Add(1)
		return nil
	}))
	net.SetOnline(buyer, false)

	uid := MailboxMessageID("offer-1", seller)
	var stored atomic.Int32
	for i := 0; i < 3; i++ {
		endpoint.SendEncryptedMailboxMessage(context.Background(), buyer, crypto.PubKeyRing{},
			Envelope{UID: uid, Message: &Message{Type: MsgTypeTrade, Payload: []byte("{}")}},
			MailboxListener{OnStoredInMailbox: func() { stored.Add(1) }})
	}
	if stored.Load() != 3 {
		t.Fatalf("expected every send to report stored, got %d", stored.Load())
	}
	if got := net.MailboxSize(buyer); got != 1 {
		t.Fatalf("expected one mailbox entry, got %d", got)
	}
	net.SetOnline(buyer, true)
	net.Wait()
	if received.Load() != 1 {
		t.Fatalf("expected a single delivery, got %d", received.Load())
	}
}

func TestLoopbackDirectFault(t *testing.T) {
	net := NewLoopback()
	a := NodeAddress{Host: "a", Port: 1}
	b := NodeAddress{Host: "b", Port: 2}
	endpoint := net.Register(a, nil)
	net.Register(b, HandlerFunc(func(context.Context, Envelope) error { return nil }))
	net.FailNextSends(b, 1)

	var faults, arrivals int
	listener := DirectListener{OnArrived: func() { arrivals++ }, OnFault: func(string) { faults++ }}
	endpoint.SendEncryptedDirectMessage(context.Background(), b, crypto.PubKeyRing{}, Envelope{UID: NewUID()}, listener)
	endpoint.SendEncryptedDirectMessage(context.Background(), b, crypto.PubKeyRing{}, Envelope{UID: NewUID()}, listener)
	net.Wait()
	if faults != 1 || arrivals != 1 {
		t.Fatalf("unexpected outcome faults=%d arrivals=%d", faults, arrivals)
	}
}

func TestFuncNetworkWithoutTransportFaults(t *testing.T) {
	var fault string
	FuncNetwork{}.SendEncryptedDirectMessage(context.Background(), NodeAddress{}, crypto.PubKeyRing{}, Envelope{},
		DirectListener{OnFault: func(msg string) { fault = msg }})
	if fault != ErrNetworkUnavailable.Error() {
		t.Fatalf("unexpected fault %q", fault)
	}
}

func TestDecodeAck(t *testing.T) {
	msg, err := NewAckMessage(AckMessage{UID: NewUID(), SourceUID: "src", SourceType: "DepositTxAndDelayedPayoutTxMessage", Success: true})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	ack, err := DecodeAck(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.SourceUID != "src" || !ack.Success {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if _, err := DecodeAck(&Message{Type: MsgTypeAck, Payload: []byte(`{}`)}); !IsInvalidPayload(err) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}
