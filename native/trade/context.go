package trade

import (
	"tradenet/crypto"
	"tradenet/p2p"
)

// Context is the in-flight working set of one trade: keys, prepared
// transactions and peer data collected between protocol steps. It is persisted
// together with the trade after every step and Version grows by one each time.
type Context struct {
	Version uint64 `json:"version"`

	MyMultiSigPubKey   []byte `json:"myMultiSigPubKey,omitempty"`
	PeerMultiSigPubKey []byte `json:"peerMultiSigPubKey,omitempty"`
	MyPayoutAddress    string `json:"myPayoutAddress,omitempty"`
	PeerPayoutAddress  string `json:"peerPayoutAddress,omitempty"`
	MyFundingAddress   string `json:"myFundingAddress,omitempty"`
	PeerFundingAddress string `json:"peerFundingAddress,omitempty"`

	MyPaymentAccount   []byte `json:"myPaymentAccount,omitempty"`
	PeerPaymentAccount []byte `json:"peerPaymentAccount,omitempty"`

	PeerPubKeyRing   crypto.PubKeyRing `json:"peerPubKeyRing"`
	PeerCapabilities p2p.Capabilities  `json:"peerCapabilities"`

	// PreparedDepositTx holds the deposit while signatures are collected.
	PreparedDepositTx       *Tx        `json:"preparedDepositTx,omitempty"`
	UnsignedDelayedPayoutTx *Tx        `json:"unsignedDelayedPayoutTx,omitempty"`
	Receivers               []Receiver `json:"receivers,omitempty"`

	// PeerPayoutSignature is the buyer's payout signature held by the seller.
	PeerPayoutSignature []byte `json:"peerPayoutSignature,omitempty"`
	CounterCurrencyTxID string `json:"counterCurrencyTxId,omitempty"`
	// FinalizedPayoutTx is kept until the broadcast outcome is known.
	FinalizedPayoutTx *Tx `json:"finalizedPayoutTx,omitempty"`
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() *Context {
	if c == nil {
		return &Context{}
	}
	clone := *c
	clone.MyMultiSigPubKey = cloneBytes(c.MyMultiSigPubKey)
	clone.PeerMultiSigPubKey = cloneBytes(c.PeerMultiSigPubKey)
	clone.MyPaymentAccount = cloneBytes(c.MyPaymentAccount)
	clone.PeerPaymentAccount = cloneBytes(c.PeerPaymentAccount)
	clone.PeerPubKeyRing = crypto.PubKeyRing{SignaturePubKey: cloneBytes(c.PeerPubKeyRing.SignaturePubKey)}
	clone.PreparedDepositTx = c.PreparedDepositTx.Clone()
	clone.UnsignedDelayedPayoutTx = c.UnsignedDelayedPayoutTx.Clone()
	clone.Receivers = append([]Receiver(nil), c.Receivers...)
	clone.PeerPayoutSignature = cloneBytes(c.PeerPayoutSignature)
	clone.FinalizedPayoutTx = c.FinalizedPayoutTx.Clone()
	return &clone
}

// MyPaymentAccountHash is the hash advertised before the account is revealed.
func (c *Context) MyPaymentAccountHash() []byte {
	if c == nil || len(c.MyPaymentAccount) == 0 {
		return nil
	}
	return crypto.Sha256(c.MyPaymentAccount)
}

// multiSigKeys orders the multisig pubkeys as buyer, seller.
func (c *Context) multiSigKeys(role Role) (buyer, seller []byte) {
	if role == RoleBuyer {
		return c.MyMultiSigPubKey, c.PeerMultiSigPubKey
	}
	return c.PeerMultiSigPubKey, c.MyMultiSigPubKey
}

// payoutAddresses orders the payout addresses as buyer, seller.
func (c *Context) payoutAddresses(role Role) (buyer, seller string) {
	if role == RoleBuyer {
		return c.MyPayoutAddress, c.PeerPayoutAddress
	}
	return c.PeerPayoutAddress, c.MyPayoutAddress
}
