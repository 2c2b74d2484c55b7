package p2p

import (
	"testing"
	"time"
)

func TestPeerLimiterAllowance(t *testing.T) {
	limiter := NewPeerLimiter(2, 2, 8)
	if limiter == nil {
		t.Fatalf("expected limiter")
	}
	peer := NodeAddress{Host: "a.onion", Port: 9999}
	now := time.Now()
	if !limiter.Allow(peer, now) || !limiter.Allow(peer, now) {
		t.Fatalf("burst messages should be allowed")
	}
	if limiter.Allow(peer, now) {
		t.Fatalf("bucket should be empty")
	}
	if !limiter.Allow(peer, now.Add(500*time.Millisecond)) {
		t.Fatalf("token should refill after half a second")
	}
	if !limiter.Allow(NodeAddress{Host: "b.onion", Port: 9999}, now) {
		t.Fatalf("different peer should be independent")
	}
}

func TestPeerLimiterEvictsOldestPeer(t *testing.T) {
	limiter := NewPeerLimiter(1, 1, 2)
	now := time.Now()
	first := NodeAddress{Host: "first", Port: 1}
	limiter.Allow(first, now)
	limiter.Allow(NodeAddress{Host: "second", Port: 1}, now.Add(time.Millisecond))
	limiter.Allow(NodeAddress{Host: "third", Port: 1}, now.Add(2*time.Millisecond))
	if len(limiter.peers) != 2 {
		t.Fatalf("expected 2 tracked peers, got %d", len(limiter.peers))
	}
	if _, ok := limiter.peers[first.FullAddress()]; ok {
		t.Fatalf("oldest peer should be evicted")
	}
	// The evicted peer starts with a fresh bucket.
	if !limiter.Allow(first, now.Add(3*time.Millisecond)) {
		t.Fatalf("evicted peer should be allowed again")
	}
}

func TestDisabledPeerLimiterAllowsAll(t *testing.T) {
	var limiter *PeerLimiter = NewPeerLimiter(0, 10, 10)
	for i := 0; i < 100; i++ {
		if !limiter.Allow(NodeAddress{Host: "x", Port: 1}, time.Now()) {
			t.Fatalf("nil limiter must allow")
		}
	}
}
