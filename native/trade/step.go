package trade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradenet/crypto"
	"tradenet/observability"
	"tradenet/p2p"
	"tradenet/p2p/payload"
)

// Input drives a step: a received message, a local user action or the outcome
// of an effect.
type Input interface {
	inputName() string
}

// Effect is a side effect requested by a step and executed by the Engine.
type Effect interface {
	effectName() string
}

// TakeOffer starts the seller path after the taker fee was paid.
type TakeOffer struct{}

// Continue runs the next task of a chain. It is both an input and an effect.
type Continue struct{}

// ConfirmPaymentStarted is the buyer's confirmation that fiat was sent.
type ConfirmPaymentStarted struct {
	CounterCurrencyTxID string
}

// ConfirmPaymentReceived is the seller's confirmation that fiat arrived.
type ConfirmPaymentReceived struct{}

// DepositConfirmed reports that the deposit tx is confirmed on chain.
type DepositConfirmed struct{}

// SendResult reports the delivery outcome of a message sent by an effect.
type SendResult struct {
	Kind  MessageKind
	State MessageState
	Error string
}

// TxPurpose tells broadcast outcomes apart.
type TxPurpose string

const (
	PurposeDeposit TxPurpose = "deposit"
	PurposePayout  TxPurpose = "payout"
)

// BroadcastResult reports the outcome of a BroadcastTx effect.
type BroadcastResult struct {
	Purpose TxPurpose
	Tx      Tx
	Err     error
}

func (TakeOffer) inputName() string              { return "TakeOffer" }
func (Continue) inputName() string               { return "Continue" }
func (ConfirmPaymentStarted) inputName() string  { return "ConfirmPaymentStarted" }
func (ConfirmPaymentReceived) inputName() string { return "ConfirmPaymentReceived" }
func (DepositConfirmed) inputName() string       { return "DepositConfirmed" }
func (r SendResult) inputName() string           { return "SendResult/" + string(r.Kind) }
func (r BroadcastResult) inputName() string      { return "BroadcastResult/" + string(r.Purpose) }

// SendMessage sends a message once. Mailbox messages reach offline peers.
type SendMessage struct {
	Message Message
	Mailbox bool
	UID     string
	// TrackAck reports the peer's ACK as a SendResult.
	TrackAck bool
}

// ResendUntilAck sends a mailbox message under a fixed uid until the peer
// acknowledges it. The loop also ends once ConfirmedTx is seen on chain.
type ResendUntilAck struct {
	Message     Message
	UID         string
	ConfirmedTx string
}

// BroadcastTx publishes a transaction through the wallet.
type BroadcastTx struct {
	Purpose TxPurpose
	Tx      Tx
}

// PublishTradeStatistics adds the statistics to the append-only store.
type PublishTradeStatistics struct {
	Statistics *payload.TradeStatistics
}

func (Continue) effectName() string               { return "Continue" }
func (e SendMessage) effectName() string          { return "Send/" + string(e.Message.Kind()) }
func (e ResendUntilAck) effectName() string       { return "Resend/" + string(e.Message.Kind()) }
func (e BroadcastTx) effectName() string          { return "Broadcast/" + string(e.Purpose) }
func (PublishTradeStatistics) effectName() string { return "PublishTradeStatistics" }

// Transition is the result of one task. An empty Task means the input changed
// nothing and no persistence is needed.
type Transition struct {
	Task    string
	Trade   *Trade
	Context *Context
	Effects []Effect
}

// Protocol holds the pure step functions of both roles. Wallet calls are local
// building and signing; all network and broadcast work leaves the step as an
// Effect.
type Protocol struct {
	wallet         Wallet
	receivers      ReceiverSelector
	strictMultiSig bool
	myAddress      p2p.NodeAddress
	pubKeyRing     crypto.PubKeyRing
	logger         *slog.Logger
	metrics        *observability.TradeMetrics
	now            func() time.Time
}

// ProtocolOption customises the protocol.
type ProtocolOption func(*Protocol)

// WithStrictMultiSigCheck turns the seller's multisig key mismatch into a failure.
func WithStrictMultiSigCheck(strict bool) ProtocolOption {
	return func(p *Protocol) { p.strictMultiSig = strict }
}

// WithPubKeyRing sets the ring advertised to the peer.
func WithPubKeyRing(ring crypto.PubKeyRing) ProtocolOption {
	return func(p *Protocol) { p.pubKeyRing = ring }
}

// WithProtocolLogger sets the logger.
func WithProtocolLogger(logger *slog.Logger) ProtocolOption {
	return func(p *Protocol) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProtocolClock overrides the clock.
func WithProtocolClock(now func() time.Time) ProtocolOption {
	return func(p *Protocol) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProtocol builds the step functions around the wallet capability.
func NewProtocol(wallet Wallet, receivers ReceiverSelector, myAddress p2p.NodeAddress, opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		wallet:    wallet,
		receivers: receivers,
		myAddress: myAddress,
		logger:    slog.Default(),
		metrics:   observability.Trade(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Step applies in to copies of the trade and context. The inputs are never
// mutated. On error the returned transition names the failed task.
func (p *Protocol) Step(ctx context.Context, t *Trade, c *Context, in Input) (Transition, error) {
	if t == nil {
		return Transition{}, ErrTradeNotFound
	}
	if t.IsFailed() {
		return Transition{}, fmt.Errorf("%w: %s", ErrTradeFailed, t.ErrorMessage)
	}
	s := &step{p: p, ctx: ctx, t: t.Clone(), c: c.Clone()}
	var err error
	switch t.Role {
	case RoleSeller:
		err = s.seller(in)
	case RoleBuyer:
		err = s.buyer(in)
	default:
		err = fmt.Errorf("trade: invalid role %d", t.Role)
	}
	if err != nil {
		return Transition{Task: s.task}, err
	}
	if s.task == "" {
		return Transition{}, nil
	}
	s.c.Version++
	s.t.UpdatedAt = p.now()
	return Transition{Task: s.task, Trade: s.t, Context: s.c, Effects: s.effects}, nil
}

// step is the scratch state of one Step call.
type step struct {
	p       *Protocol
	ctx     context.Context
	t       *Trade
	c       *Context
	task    string
	effects []Effect
}

func (s *step) run(task string) { s.task = task }

func (s *step) emit(effects ...Effect) { s.effects = append(s.effects, effects...) }

func (s *step) advance(next State) error { return s.t.setState(next) }

func (s *step) unexpected(in Input) error {
	return fmt.Errorf("%w: %s in state %s", ErrUnexpectedInput, in.inputName(), s.t.State)
}

func (s *step) addressEntry(addrCtx AddressContext) (AddressEntry, error) {
	entry, err := s.p.wallet.GetOrCreateAddressEntry(s.ctx, s.t.ID, addrCtx)
	if err != nil {
		return AddressEntry{}, fmt.Errorf("address entry %s: %w", addrCtx, err)
	}
	return entry, nil
}

func (s *step) delayedPayoutReceivers() ([]Receiver, error) {
	if s.p.receivers == nil {
		return nil, ErrNoReceivers
	}
	return s.p.receivers.Receivers(s.t.Terms.SelectionHeight, s.t.Terms.MultiSigAmount()-s.t.Terms.TxFee)
}

// receivePaymentAccount stores the peer's revealed payment account after
// checking it against the hash exchanged before funds were locked.
func (s *step) receivePaymentAccount(msg *PaymentAccountPayloadMessage) error {
	if len(s.c.PeerPaymentAccount) > 0 {
		if bytes.Equal(s.c.PeerPaymentAccount, msg.PaymentAccount) {
			return nil
		}
		return fmt.Errorf("%w: peer sent a different account", ErrPaymentAccount)
	}
	if len(s.t.PeerPaymentAccountHash) == 0 {
		return fmt.Errorf("%w: no payment account hash", ErrMissingData)
	}
	if !bytes.Equal(crypto.Sha256(msg.PaymentAccount), s.t.PeerPaymentAccountHash) {
		return ErrPaymentAccount
	}
	s.c.PeerPaymentAccount = cloneBytes(msg.PaymentAccount)
	return nil
}

func (s *step) tradeStatistics() *payload.TradeStatistics {
	terms := s.t.Terms
	return payload.NewTradeStatistics(terms.Currency, terms.Price, terms.Amount, terms.PaymentMethod, s.t.CreatedAt,
		terms.Mediator, terms.RefundAgent, nil)
}

// criticalSendFailure fails the chain when a pre-broadcast message cannot be delivered.
func criticalSendFailure(r SendResult) error {
	if r.State != MessageFailed {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("sending %s failed: %s", r.Kind, msg)
}

var errNoDeposit = errors.New("trade: deposit tx not available")
