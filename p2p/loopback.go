package p2p

import (
	"context"
	"fmt"
	"sync"

	"tradenet/crypto"
)

// Loopback is an in-process transport connecting endpoints registered on it.
// Offline endpoints collect mailbox messages, deduplicated by uid, until they
// come back online.
type Loopback struct {
	mu    sync.Mutex
	nodes map[NodeAddress]*loopNode
	wg    sync.WaitGroup
}

type loopNode struct {
	handler MessageHandler
	online  bool
	faults  int
	mailbox []Envelope
	seen    map[string]struct{}
}

// NewLoopback creates an empty in-process network.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[NodeAddress]*loopNode)}
}

// Register attaches a handler at addr and returns the endpoint used to send from it.
func (l *Loopback) Register(addr NodeAddress, handler MessageHandler) *LoopbackEndpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[addr] = &loopNode{handler: handler, online: true, seen: make(map[string]struct{})}
	return &LoopbackEndpoint{net: l, addr: addr}
}

// SetHandler replaces the handler of a registered endpoint.
func (l *Loopback) SetHandler(addr NodeAddress, handler MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if node, ok := l.nodes[addr]; ok {
		node.handler = handler
	}
}

// SetOnline toggles reachability of addr. Going online delivers stored mailbox messages.
func (l *Loopback) SetOnline(addr NodeAddress, online bool) {
	l.mu.Lock()
	node, ok := l.nodes[addr]
	if !ok {
		l.mu.Unlock()
		return
	}
	node.online = online
	var pending []Envelope
	if online {
		pending = node.mailbox
		node.mailbox = nil
	}
	handler := node.handler
	l.mu.Unlock()

	for _, env := range pending {
		l.deliver(handler, env)
	}
}

// FailNextSends makes the next n sends to addr fault.
func (l *Loopback) FailNextSends(addr NodeAddress, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if node, ok := l.nodes[addr]; ok {
		node.faults = n
	}
}

// MailboxSize returns the number of messages waiting for addr.
func (l *Loopback) MailboxSize(addr NodeAddress) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if node, ok := l.nodes[addr]; ok {
		return len(node.mailbox)
	}
	return 0
}

// Wait blocks until in-flight deliveries have been handled.
func (l *Loopback) Wait() {
	l.wg.Wait()
}

func (l *Loopback) deliver(handler MessageHandler, env Envelope) {
	if handler == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = handler.HandleMessage(context.Background(), env)
	}()
}

// LoopbackEndpoint is the Network view of one registered node.
type LoopbackEndpoint struct {
	net  *Loopback
	addr NodeAddress
}

// Address returns the endpoint address.
func (e *LoopbackEndpoint) Address() NodeAddress { return e.addr }

func (e *LoopbackEndpoint) target(peer NodeAddress) (*loopNode, string) {
	node, ok := e.net.nodes[peer]
	if !ok {
		return nil, fmt.Sprintf("unknown peer %s", peer.FullAddress())
	}
	if node.faults > 0 {
		node.faults--
		return nil, fmt.Sprintf("send to %s failed", peer.FullAddress())
	}
	return node, ""
}

// SendEncryptedDirectMessage delivers env when the peer is online and faults otherwise.
func (e *LoopbackEndpoint) SendEncryptedDirectMessage(_ context.Context, peer NodeAddress, _ crypto.PubKeyRing, env Envelope, listener DirectListener) {
	e.net.mu.Lock()
	node, fault := e.target(peer)
	if node != nil && !node.online {
		node, fault = nil, fmt.Sprintf("peer %s is offline", peer.FullAddress())
	}
	var handler MessageHandler
	if node != nil {
		handler = node.handler
	}
	e.net.mu.Unlock()

	if fault != "" {
		listener.fault(fault)
		return
	}
	env.Sender = e.addr
	e.net.deliver(handler, env)
	listener.arrived()
}

// SendEncryptedMailboxMessage delivers env to an online peer or stores it in the
// peer's mailbox. A uid already stored is not stored twice.
func (e *LoopbackEndpoint) SendEncryptedMailboxMessage(_ context.Context, peer NodeAddress, _ crypto.PubKeyRing, env Envelope, listener MailboxListener) {
	env.Sender = e.addr
	e.net.mu.Lock()
	node, fault := e.target(peer)
	if fault != "" {
		e.net.mu.Unlock()
		listener.fault(fault)
		return
	}
	if !node.online {
		if _, dup := node.seen[env.UID]; !dup {
			node.seen[env.UID] = struct{}{}
			node.mailbox = append(node.mailbox, env)
		}
		e.net.mu.Unlock()
		listener.stored()
		return
	}
	handler := node.handler
	e.net.mu.Unlock()

	e.net.deliver(handler, env)
	listener.arrived()
}
