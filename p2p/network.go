package p2p

import (
	"context"

	"github.com/google/uuid"

	"tradenet/crypto"
)

// DirectListener receives the outcome of a direct message send. Exactly one of
// the callbacks is invoked.
type DirectListener struct {
	OnArrived func()
	OnFault   func(errorMessage string)
}

func (l DirectListener) arrived() {
	if l.OnArrived != nil {
		l.OnArrived()
	}
}

func (l DirectListener) fault(msg string) {
	if l.OnFault != nil {
		l.OnFault(msg)
	}
}

// MailboxListener receives the outcome of a mailbox send. A message to an
// offline peer is stored in the network mailbox instead of arriving directly.
type MailboxListener struct {
	OnArrived         func()
	OnStoredInMailbox func()
	OnFault           func(errorMessage string)
}

func (l MailboxListener) arrived() {
	if l.OnArrived != nil {
		l.OnArrived()
	}
}

func (l MailboxListener) stored() {
	if l.OnStoredInMailbox != nil {
		l.OnStoredInMailbox()
	}
}

func (l MailboxListener) fault(msg string) {
	if l.OnFault != nil {
		l.OnFault(msg)
	}
}

// Network is the encrypted messaging capability consumed by the trade protocol.
// Sends are asynchronous; the listener reports the outcome.
type Network interface {
	SendEncryptedDirectMessage(ctx context.Context, peer NodeAddress, ring crypto.PubKeyRing, env Envelope, listener DirectListener)
	SendEncryptedMailboxMessage(ctx context.Context, peer NodeAddress, ring crypto.PubKeyRing, env Envelope, listener MailboxListener)
}

// FuncNetwork adapts callback functions to the Network interface. Unset
// callbacks fault with ErrNetworkUnavailable.
type FuncNetwork struct {
	DirectFunc  func(ctx context.Context, peer NodeAddress, ring crypto.PubKeyRing, env Envelope, listener DirectListener)
	MailboxFunc func(ctx context.Context, peer NodeAddress, ring crypto.PubKeyRing, env Envelope, listener MailboxListener)
}

// SendEncryptedDirectMessage delegates to the configured callback.
func (n FuncNetwork) SendEncryptedDirectMessage(ctx context.Context, peer NodeAddress, ring crypto.PubKeyRing, env Envelope, listener DirectListener) {
	if n.DirectFunc == nil {
		listener.fault(ErrNetworkUnavailable.Error())
		return
	}
	n.DirectFunc(ctx, peer, ring, env, listener)
}

// SendEncryptedMailboxMessage delegates to the configured callback.
func (n FuncNetwork) SendEncryptedMailboxMessage(ctx context.Context, peer NodeAddress, ring crypto.PubKeyRing, env Envelope, listener MailboxListener) {
	if n.MailboxFunc == nil {
		listener.fault(ErrNetworkUnavailable.Error())
		return
	}
	n.MailboxFunc(ctx, peer, ring, env, listener)
}

var mailboxNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tradenet:mailbox"))

// NewUID returns a random message uid.
func NewUID() string {
	return uuid.NewString()
}

// MailboxMessageID derives a fixed uid from the trade id and the sender address.
// Resending byte-identical content under this uid lets the receiving mailbox
// drop the duplicates.
func MailboxMessageID(tradeID string, sender NodeAddress) string {
	return uuid.NewSHA1(mailboxNamespace, []byte(tradeID+"|"+sender.FullAddress())).String()
}
