package p2p

import "context"

// Message is the generic structure for any data sent between nodes.
type Message struct {
	Type    byte
	Payload []byte
}

// Envelope wraps a message with the metadata the transport needs for delivery
// and mailbox deduplication.
type Envelope struct {
	UID     string      `json:"uid"`
	Sender  NodeAddress `json:"sender"`
	Message *Message    `json:"message"`
}

// Broadcaster defines any component that can gossip messages to the network.
// The sender, when known, is excluded from the fan-out.
type Broadcaster interface {
	Broadcast(msg *Message, sender *NodeAddress) error
}

// MessageHandler defines any component that can process an inbound envelope.
type MessageHandler interface {
	HandleMessage(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to the MessageHandler interface.
type HandlerFunc func(ctx context.Context, env Envelope) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}
