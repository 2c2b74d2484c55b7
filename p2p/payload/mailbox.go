package payload

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"tradenet/crypto"
	"tradenet/p2p"
)

// MailboxTTL is how long an undelivered mailbox message stays in the network.
const MailboxTTL = 15 * 24 * time.Hour

// MailboxPayload is a sealed message stored in the network for an offline
// receiver. The sender owns the add, the receiver owns the remove.
type MailboxPayload struct {
	UID            string
	Sender         p2p.NodeAddress
	Receiver       p2p.NodeAddress
	SealedMessage  []byte
	SenderPubKey   []byte
	ReceiverPubKey []byte
	TTLMillis      int64
}

func (m *MailboxPayload) Kind() Kind { return KindMailbox }

// Hash is the SHA-256 of the wire form, so resending the same uid and content
// yields the same key.
func (m *MailboxPayload) Hash() []byte { return crypto.Sha256(m.Marshal()) }

func (m *MailboxPayload) VerifyHashSize() bool { return len(m.Hash()) == 32 }

func (m *MailboxPayload) AddOnce() {}

// AddOwnerPubKey is the key allowed to sign the add of the entry.
func (m *MailboxPayload) AddOwnerPubKey() []byte { return m.SenderPubKey }

// RemoveOwnerPubKey is the key allowed to sign the removal of the entry.
func (m *MailboxPayload) RemoveOwnerPubKey() []byte { return m.ReceiverPubKey }

func (m *MailboxPayload) TTL() time.Duration {
	if m.TTLMillis <= 0 {
		return MailboxTTL
	}
	return time.Duration(m.TTLMillis) * time.Millisecond
}

func (m *MailboxPayload) RequiredCapabilities() p2p.Capabilities {
	return p2p.NewCapabilities(p2p.CapabilityMailbox)
}

func appendAddress(b []byte, num protowire.Number, addr p2p.NodeAddress) []byte {
	if addr.IsZero() {
		return b
	}
	var entry []byte
	entry = appendStringField(entry, 1, addr.Host)
	entry = appendVarintField(entry, 2, uint64(addr.Port))
	return appendBytesField(b, num, entry)
}

func consumeAddress(raw []byte) (p2p.NodeAddress, error) {
	var addr p2p.NodeAddress
	err := walkFields(raw, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			addr.Host = string(data)
		case 2:
			addr.Port = int(v)
		}
		return nil
	})
	return addr, err
}

func (m *MailboxPayload) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.UID)
	b = appendAddress(b, 2, m.Sender)
	b = appendAddress(b, 3, m.Receiver)
	b = appendBytesField(b, 4, m.SealedMessage)
	b = appendBytesField(b, 5, m.SenderPubKey)
	b = appendBytesField(b, 6, m.ReceiverPubKey)
	b = appendVarintField(b, 7, uint64(m.TTLMillis))
	return b
}

// UnmarshalMailbox decodes a mailbox payload.
func UnmarshalMailbox(b []byte) (*MailboxPayload, error) {
	m := &MailboxPayload{}
	err := walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		var err error
		switch num {
		case 1:
			m.UID = string(data)
		case 2:
			m.Sender, err = consumeAddress(data)
		case 3:
			m.Receiver, err = consumeAddress(data)
		case 4:
			m.SealedMessage = data
		case 5:
			m.SenderPubKey = data
		case 6:
			m.ReceiverPubKey = data
		case 7:
			m.TTLMillis = int64(v)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode mailbox payload: %w", err)
	}
	return m, nil
}
