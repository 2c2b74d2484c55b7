package trade

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradenet/p2p"
)

// Role is the side a node plays in a trade. The seller takes the offer, the
// buyer is the maker.
type Role uint8

const (
	RoleSeller Role = iota + 1
	RoleBuyer
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "SELLER"
	case RoleBuyer:
		return "BUYER"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the role is a recognised value.
func (r Role) Valid() bool {
	return r == RoleSeller || r == RoleBuyer
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleSeller {
		return RoleBuyer
	}
	return RoleSeller
}

// Phase groups protocol states. Phases only move forward.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseTakerFeePublished
	PhaseDepositPublished
	PhaseFiatSent
	PhaseFiatReceived
	PhasePayoutPublished
)

var phaseNames = [...]string{
	PhaseInit:              "INIT",
	PhaseTakerFeePublished: "TAKER_FEE_PUBLISHED",
	PhaseDepositPublished:  "DEPOSIT_PUBLISHED",
	PhaseFiatSent:          "FIAT_SENT",
	PhaseFiatReceived:      "FIAT_RECEIVED",
	PhasePayoutPublished:   "PAYOUT_PUBLISHED",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("PHASE_%d", uint8(p))
}

// State is the protocol position of a trade. Seller and buyer walk disjoint
// paths that share StatePreparation.
type State uint8

const (
	StatePreparation State = iota

	StateTakeOfferFeePublished
	StateDepositTxPrepared
	StateDelayedPayoutTxPrepared
	StateDelayedPayoutTxSigned
	StateDelayedPayoutSignatureExchanged
	StateDepositTxPublished
	StatePaymentAccountShared
	StateFiatPaymentStartedReceived
	StatePayoutTxSignedAndFinalized
	StatePayoutTxPublished
	StatePayoutTxPublishedMsgSent
	StatePayoutTxPublishedMsgArrived
	StatePayoutTxPublishedMsgStoredInMailbox
	StatePayoutTxPublishedMsgFailed

	StateBuyerSentDepositInputs
	StateBuyerSignedDelayedPayoutTx
	StateBuyerReceivedDepositTxMsg
	StateBuyerReceivedPaymentAccount
	StateBuyerConfirmedPaymentStarted
	StateBuyerSentPaymentStartedMsg
	StateBuyerSawArrivedPaymentStartedMsg
	StateBuyerSendFailedPaymentStartedMsg
	StateBuyerReceivedPayoutTxPublishedMsg
)

type stateInfo struct {
	name  string
	phase Phase
	role  Role
}

var states = map[State]stateInfo{
	StatePreparation: {"PREPARATION", PhaseInit, 0},

	StateTakeOfferFeePublished:               {"TAKE_OFFER_FEE_PUBLISHED", PhaseTakerFeePublished, RoleSeller},
	StateDepositTxPrepared:                   {"DEPOSIT_TX_PREPARED", PhaseTakerFeePublished, RoleSeller},
	StateDelayedPayoutTxPrepared:             {"DELAYED_PAYOUT_TX_PREPARED", PhaseTakerFeePublished, RoleSeller},
	StateDelayedPayoutTxSigned:               {"DELAYED_PAYOUT_TX_SIGNED", PhaseTakerFeePublished, RoleSeller},
	StateDelayedPayoutSignatureExchanged:     {"DELAYED_PAYOUT_SIGNATURE_EXCHANGED", PhaseTakerFeePublished, RoleSeller},
	StateDepositTxPublished:                  {"DEPOSIT_TX_PUBLISHED", PhaseDepositPublished, RoleSeller},
	StatePaymentAccountShared:                {"PAYMENT_ACCOUNT_SHARED", PhaseDepositPublished, RoleSeller},
	StateFiatPaymentStartedReceived:          {"FIAT_PAYMENT_STARTED_RECEIVED", PhaseFiatSent, RoleSeller},
	StatePayoutTxSignedAndFinalized:          {"PAYOUT_TX_SIGNED_AND_FINALIZED", PhaseFiatReceived, RoleSeller},
	StatePayoutTxPublished:                   {"PAYOUT_TX_PUBLISHED", PhasePayoutPublished, RoleSeller},
	StatePayoutTxPublishedMsgSent:            {"PAYOUT_TX_PUBLISHED_MSG_SENT", PhasePayoutPublished, RoleSeller},
	StatePayoutTxPublishedMsgArrived:         {"PAYOUT_TX_PUBLISHED_MSG_ARRIVED", PhasePayoutPublished, RoleSeller},
	StatePayoutTxPublishedMsgStoredInMailbox: {"PAYOUT_TX_PUBLISHED_MSG_STORED_IN_MAILBOX", PhasePayoutPublished, RoleSeller},
	StatePayoutTxPublishedMsgFailed:          {"PAYOUT_TX_PUBLISHED_MSG_FAILED", PhasePayoutPublished, RoleSeller},

	StateBuyerSentDepositInputs:            {"BUYER_SENT_DEPOSIT_INPUTS", PhaseTakerFeePublished, RoleBuyer},
	StateBuyerSignedDelayedPayoutTx:        {"BUYER_SIGNED_DELAYED_PAYOUT_TX", PhaseTakerFeePublished, RoleBuyer},
	StateBuyerReceivedDepositTxMsg:         {"BUYER_RECEIVED_DEPOSIT_TX_MSG", PhaseDepositPublished, RoleBuyer},
	StateBuyerReceivedPaymentAccount:       {"BUYER_RECEIVED_PAYMENT_ACCOUNT", PhaseDepositPublished, RoleBuyer},
	StateBuyerConfirmedPaymentStarted:      {"BUYER_CONFIRMED_PAYMENT_STARTED", PhaseFiatSent, RoleBuyer},
	StateBuyerSentPaymentStartedMsg:        {"BUYER_SENT_PAYMENT_STARTED_MSG", PhaseFiatSent, RoleBuyer},
	StateBuyerSawArrivedPaymentStartedMsg:  {"BUYER_SAW_ARRIVED_PAYMENT_STARTED_MSG", PhaseFiatSent, RoleBuyer},
	StateBuyerSendFailedPaymentStartedMsg:  {"BUYER_SEND_FAILED_PAYMENT_STARTED_MSG", PhaseFiatSent, RoleBuyer},
	StateBuyerReceivedPayoutTxPublishedMsg: {"BUYER_RECEIVED_PAYOUT_TX_PUBLISHED_MSG", PhasePayoutPublished, RoleBuyer},
}

func (s State) String() string {
	if info, ok := states[s]; ok {
		return info.name
	}
	return fmt.Sprintf("STATE_%d", uint8(s))
}

// MarshalText renders the state by name in JSON records and API output.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("trade: invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Phase returns the phase the state belongs to.
func (s State) Phase() Phase { return states[s].phase }

// Valid reports whether the state is a recognised value.
func (s State) Valid() bool {
	_, ok := states[s]
	return ok
}

// ValidFor reports whether the state belongs to the path of role.
func (s State) ValidFor(role Role) bool {
	info, ok := states[s]
	return ok && (info.role == 0 || info.role == role)
}

// CanTransitionTo allows a move to a later phase or a change inside the
// current phase. Within one phase the state ordinal must not decrease, with
// the exception of message outcome states which may replace each other.
func (s State) CanTransitionTo(next State) bool {
	if !next.Valid() {
		return false
	}
	cur, nxt := s.Phase(), next.Phase()
	if nxt > cur {
		return true
	}
	if nxt < cur {
		return false
	}
	if next >= s {
		return true
	}
	return isMessageOutcome(s) && isMessageOutcome(next)
}

func isMessageOutcome(s State) bool {
	switch s {
	case StatePayoutTxPublishedMsgArrived, StatePayoutTxPublishedMsgStoredInMailbox, StatePayoutTxPublishedMsgFailed,
		StateBuyerSawArrivedPaymentStartedMsg, StateBuyerSendFailedPaymentStartedMsg:
		return true
	}
	return false
}

// ParseState resolves a state by name.
func ParseState(name string) (State, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for s, info := range states {
		if info.name == normalized {
			return s, nil
		}
	}
	return 0, fmt.Errorf("trade: unknown state %q", name)
}

// DisputeState tracks mediation and refund requests opened outside the protocol.
type DisputeState uint8

const (
	DisputeNone DisputeState = iota
	DisputeMediationRequested
	DisputeMediationStartedByPeer
	DisputeMediationClosed
	DisputeRefundRequested
	DisputeRefundRequestStartedByPeer
	DisputeRefundRequestClosed
)

var disputeNames = [...]string{
	DisputeNone:                       "NO_DISPUTE",
	DisputeMediationRequested:         "MEDIATION_REQUESTED",
	DisputeMediationStartedByPeer:     "MEDIATION_STARTED_BY_PEER",
	DisputeMediationClosed:            "MEDIATION_CLOSED",
	DisputeRefundRequested:            "REFUND_REQUESTED",
	DisputeRefundRequestStartedByPeer: "REFUND_REQUEST_STARTED_BY_PEER",
	DisputeRefundRequestClosed:        "REFUND_REQUEST_CLOSED",
}

func (d DisputeState) String() string {
	if int(d) < len(disputeNames) {
		return disputeNames[d]
	}
	return fmt.Sprintf("DISPUTE_%d", uint8(d))
}

// Valid reports whether the dispute state is a recognised value.
func (d DisputeState) Valid() bool { return int(d) < len(disputeNames) }

// IsMediated reports whether mediation was requested or closed.
func (d DisputeState) IsMediated() bool {
	return d >= DisputeMediationRequested && d <= DisputeMediationClosed
}

// IsRefund reports whether the refund agent is involved.
func (d DisputeState) IsRefund() bool {
	return d >= DisputeRefundRequested && d <= DisputeRefundRequestClosed
}

// MessageState records the delivery outcome of the last tracked message.
type MessageState uint8

const (
	MessageUndefined MessageState = iota
	MessageSent
	MessageArrived
	MessageStoredInMailbox
	MessageAcknowledged
	MessageFailed
)

var messageStateNames = [...]string{
	MessageUndefined:       "UNDEFINED",
	MessageSent:            "SENT",
	MessageArrived:         "ARRIVED",
	MessageStoredInMailbox: "STORED_IN_MAILBOX",
	MessageAcknowledged:    "ACKNOWLEDGED",
	MessageFailed:          "FAILED",
}

func (m MessageState) String() string {
	if int(m) < len(messageStateNames) {
		return messageStateNames[m]
	}
	return fmt.Sprintf("MESSAGE_%d", uint8(m))
}

// Terms are the offer parameters both parties agree on before funds move.
type Terms struct {
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod"`
	// Price is the fiat price per BTC scaled by 10^4.
	Price int64 `json:"price"`
	// Amount, deposits and fees are in satoshis.
	Amount                int64  `json:"amount"`
	BuyerSecurityDeposit  int64  `json:"buyerSecurityDeposit"`
	SellerSecurityDeposit int64  `json:"sellerSecurityDeposit"`
	TxFee                 int64  `json:"txFee"`
	LockTime              uint32 `json:"lockTime"`
	// SelectionHeight is the chain height used to pick delayed payout receivers.
	SelectionHeight int64  `json:"selectionHeight"`
	Mediator        string `json:"mediator,omitempty"`
	RefundAgent     string `json:"refundAgent,omitempty"`
}

// MultiSigAmount is the value locked in the deposit multisig output. The
// payout fee is reserved inside it.
func (t Terms) MultiSigAmount() int64 {
	return t.Amount + t.BuyerSecurityDeposit + t.SellerSecurityDeposit + t.TxFee
}

// BuyerPayout is the cooperative payout of the buyer.
func (t Terms) BuyerPayout() int64 { return t.BuyerSecurityDeposit + t.Amount }

// SellerPayout is the cooperative payout of the seller.
func (t Terms) SellerPayout() int64 { return t.SellerSecurityDeposit }

// Validate checks the invariants of the offer terms.
func (t Terms) Validate() error {
	if strings.TrimSpace(t.Currency) == "" {
		return errors.New("trade: currency required")
	}
	if strings.TrimSpace(t.PaymentMethod) == "" {
		return errors.New("trade: payment method required")
	}
	if t.Price <= 0 {
		return errors.New("trade: price must be positive")
	}
	if t.Amount <= 0 {
		return errors.New("trade: amount must be positive")
	}
	if t.BuyerSecurityDeposit < 0 || t.SellerSecurityDeposit < 0 {
		return errors.New("trade: security deposits must not be negative")
	}
	if t.TxFee <= 0 {
		return errors.New("trade: tx fee must be positive")
	}
	if t.LockTime == 0 {
		return errors.New("trade: lock time required")
	}
	return nil
}

// Trade is one escrow agreement as seen by the local node.
type Trade struct {
	ID           string          `json:"id"`
	Role         Role            `json:"role"`
	State        State           `json:"state"`
	DisputeState DisputeState    `json:"disputeState"`
	PeerAddress  p2p.NodeAddress `json:"peerAddress"`
	Terms        Terms           `json:"terms"`
	TakerFeeTxID string          `json:"takerFeeTxId,omitempty"`

	DepositTx                    *Tx    `json:"depositTx,omitempty"`
	DepositConfirmed             bool   `json:"depositConfirmed,omitempty"`
	DelayedPayoutTx              *Tx    `json:"delayedPayoutTx,omitempty"`
	BuyerDelayedPayoutSignature  []byte `json:"buyerDelayedPayoutSignature,omitempty"`
	SellerDelayedPayoutSignature []byte `json:"sellerDelayedPayoutSignature,omitempty"`
	PayoutTx                     *Tx    `json:"payoutTx,omitempty"`

	PeerPaymentAccountHash []byte `json:"peerPaymentAccountHash,omitempty"`

	MessageState MessageState `json:"messageState"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	FailedTask   string       `json:"failedTask,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.DepositTx = t.DepositTx.Clone()
	clone.DelayedPayoutTx = t.DelayedPayoutTx.Clone()
	clone.PayoutTx = t.PayoutTx.Clone()
	clone.BuyerDelayedPayoutSignature = cloneBytes(t.BuyerDelayedPayoutSignature)
	clone.SellerDelayedPayoutSignature = cloneBytes(t.SellerDelayedPayoutSignature)
	clone.PeerPaymentAccountHash = cloneBytes(t.PeerPaymentAccountHash)
	return &clone
}

// IsFailed reports whether a protocol-fatal error halted the trade.
func (t *Trade) IsFailed() bool { return t != nil && t.ErrorMessage != "" }

// IsCompleted reports whether the trade reached a terminal success state.
func (t *Trade) IsCompleted() bool {
	if t == nil {
		return false
	}
	switch t.State {
	case StatePayoutTxPublishedMsgArrived, StatePayoutTxPublishedMsgStoredInMailbox, StatePayoutTxPublishedMsgFailed,
		StateBuyerReceivedPayoutTxPublishedMsg:
		return true
	}
	return false
}

// CanClose reports whether the trade may be moved to the archive.
func (t *Trade) CanClose() bool {
	if t == nil {
		return false
	}
	if t.IsCompleted() {
		return true
	}
	if t.DisputeState == DisputeMediationClosed || t.DisputeState == DisputeRefundRequestClosed {
		return true
	}
	// Nothing is locked before the deposit is published.
	return t.IsFailed() && t.DepositTx == nil
}

// setState moves the trade along its path and rejects backward moves.
func (t *Trade) setState(next State) error {
	if !next.ValidFor(t.Role) {
		return fmt.Errorf("%w: %s is not a %s state", ErrInvalidTransition, next, t.Role)
	}
	if !t.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
	}
	t.State = next
	return nil
}

// setDepositTx records the deposit once. A different tx is rejected.
func (t *Trade) setDepositTx(tx Tx) error {
	if t.DepositTx != nil {
		if t.DepositTx.ID != tx.ID {
			return fmt.Errorf("%w: deposit tx already set to %s", ErrImmutableDeposit, t.DepositTx.ID)
		}
		return nil
	}
	t.DepositTx = tx.Clone()
	return nil
}

// Validate checks the structural invariants of a trade record.
func (t *Trade) Validate() error {
	if t == nil {
		return errors.New("trade: nil trade")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("trade: id required")
	}
	if !t.Role.Valid() {
		return fmt.Errorf("trade: invalid role %d", t.Role)
	}
	if !t.State.ValidFor(t.Role) {
		return fmt.Errorf("trade: state %s invalid for %s", t.State, t.Role)
	}
	if !t.DisputeState.Valid() {
		return fmt.Errorf("trade: invalid dispute state %d", t.DisputeState)
	}
	if t.PeerAddress.IsZero() {
		return errors.New("trade: peer address required")
	}
	return t.Terms.Validate()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
