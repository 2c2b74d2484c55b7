package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerLimiter bounds the rate of inbound gossip accepted from each peer.
type PeerLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	maxPeers int
	peers    map[string]*peerLimit
}

type peerLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPeerLimiter allows perSecond messages per peer with the given burst. A
// non-positive rate disables limiting.
func NewPeerLimiter(perSecond float64, burst, maxPeers int) *PeerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if maxPeers <= 0 {
		maxPeers = 1024
	}
	return &PeerLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		maxPeers: maxPeers,
		peers:    make(map[string]*peerLimit),
	}
}

// Allow reports whether a message from peer may be processed at now.
func (l *PeerLimiter) Allow(peer NodeAddress, now time.Time) bool {
	if l == nil {
		return true
	}
	key := peer.FullAddress()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.peers[key]
	if !ok {
		if len(l.peers) >= l.maxPeers {
			l.evictOldestLocked()
		}
		entry = &peerLimit{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *PeerLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range l.peers {
		if oldestKey == "" || entry.lastSeen.Before(oldest) {
			oldestKey, oldest = key, entry.lastSeen
		}
	}
	delete(l.peers, oldestKey)
}
