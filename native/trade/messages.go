package trade

import (
	"encoding/json"
	"fmt"

	"tradenet/crypto"
	"tradenet/p2p"
)

// MessageKind names a trade protocol message.
type MessageKind string

const (
	KindInputsForDepositTxRequest        MessageKind = "InputsForDepositTxRequest"
	KindInputsForDepositTxResponse       MessageKind = "InputsForDepositTxResponse"
	KindDelayedPayoutTxSignatureRequest  MessageKind = "DelayedPayoutTxSignatureRequest"
	KindDelayedPayoutTxSignatureResponse MessageKind = "DelayedPayoutTxSignatureResponse"
	KindDepositTxAndDelayedPayoutTx      MessageKind = "DepositTxAndDelayedPayoutTxMessage"
	KindPaymentAccountPayload            MessageKind = "PaymentAccountPayloadMessage"
	KindPaymentStarted                   MessageKind = "CounterCurrencyTransferStartedMessage"
	KindPayoutTxPublished                MessageKind = "PayoutTxPublishedMessage"
)

// Message is a protocol message body. Every message is also a step input.
type Message interface {
	Input
	Kind() MessageKind
}

// InputsForDepositTxRequest opens the protocol: the seller takes the offer.
type InputsForDepositTxRequest struct {
	Terms                Terms             `json:"terms"`
	TakerFeeTxID         string            `json:"takerFeeTxId"`
	SellerMultiSigPubKey []byte            `json:"sellerMultiSigPubKey"`
	SellerPayoutAddress  string            `json:"sellerPayoutAddress"`
	SellerFundingAddress string            `json:"sellerFundingAddress"`
	PaymentAccountHash   []byte            `json:"paymentAccountHash"`
	PubKeyRing           crypto.PubKeyRing `json:"pubKeyRing"`
	Capabilities         p2p.Capabilities  `json:"capabilities"`
}

// InputsForDepositTxResponse carries the buyer's keys and funding.
type InputsForDepositTxResponse struct {
	BuyerMultiSigPubKey []byte            `json:"buyerMultiSigPubKey"`
	BuyerPayoutAddress  string            `json:"buyerPayoutAddress"`
	BuyerFundingAddress string            `json:"buyerFundingAddress"`
	PaymentAccountHash  []byte            `json:"paymentAccountHash"`
	PubKeyRing          crypto.PubKeyRing `json:"pubKeyRing"`
	Capabilities        p2p.Capabilities  `json:"capabilities"`
}

// DelayedPayoutTxSignatureRequest asks the buyer to sign the safety net.
type DelayedPayoutTxSignatureRequest struct {
	DepositTx       Tx     `json:"depositTx"`
	DelayedPayoutTx Tx     `json:"delayedPayoutTx"`
	SellerSignature []byte `json:"sellerSignature"`
}

// DelayedPayoutTxSignatureResponse returns the buyer's signature and the
// deposit with the buyer's inputs signed.
type DelayedPayoutTxSignatureResponse struct {
	BuyerSignature []byte `json:"buyerSignature"`
	DepositTx      Tx     `json:"depositTx"`
}

// DepositTxAndDelayedPayoutTxMessage hands the buyer the finalized safety net
// before the deposit is published.
type DepositTxAndDelayedPayoutTxMessage struct {
	DepositTx       Tx `json:"depositTx"`
	DelayedPayoutTx Tx `json:"delayedPayoutTx"`
}

// PaymentAccountPayloadMessage reveals the sender's payment account once funds are locked.
type PaymentAccountPayloadMessage struct {
	PaymentAccount []byte `json:"paymentAccount"`
}

// PaymentStartedMessage tells the seller that the fiat payment was initiated.
type PaymentStartedMessage struct {
	BuyerPayoutAddress   string `json:"buyerPayoutAddress"`
	BuyerPayoutSignature []byte `json:"buyerPayoutSignature"`
	CounterCurrencyTxID  string `json:"counterCurrencyTxId,omitempty"`
}

// PayoutTxPublishedMessage informs the buyer about the published payout.
type PayoutTxPublishedMessage struct {
	PayoutTx Tx `json:"payoutTx"`
}

func (*InputsForDepositTxRequest) Kind() MessageKind          { return KindInputsForDepositTxRequest }
func (*InputsForDepositTxResponse) Kind() MessageKind         { return KindInputsForDepositTxResponse }
func (*DelayedPayoutTxSignatureRequest) Kind() MessageKind    { return KindDelayedPayoutTxSignatureRequest }
func (*DelayedPayoutTxSignatureResponse) Kind() MessageKind   { return KindDelayedPayoutTxSignatureResponse }
func (*DepositTxAndDelayedPayoutTxMessage) Kind() MessageKind { return KindDepositTxAndDelayedPayoutTx }
func (*PaymentAccountPayloadMessage) Kind() MessageKind       { return KindPaymentAccountPayload }
func (*PaymentStartedMessage) Kind() MessageKind              { return KindPaymentStarted }
func (*PayoutTxPublishedMessage) Kind() MessageKind           { return KindPayoutTxPublished }

func (m *InputsForDepositTxRequest) inputName() string          { return string(m.Kind()) }
func (m *InputsForDepositTxResponse) inputName() string         { return string(m.Kind()) }
func (m *DelayedPayoutTxSignatureRequest) inputName() string    { return string(m.Kind()) }
func (m *DelayedPayoutTxSignatureResponse) inputName() string   { return string(m.Kind()) }
func (m *DepositTxAndDelayedPayoutTxMessage) inputName() string { return string(m.Kind()) }
func (m *PaymentAccountPayloadMessage) inputName() string       { return string(m.Kind()) }
func (m *PaymentStartedMessage) inputName() string              { return string(m.Kind()) }
func (m *PayoutTxPublishedMessage) inputName() string           { return string(m.Kind()) }

// wireMessage is the JSON form carried in p2p.MsgTypeTrade messages.
type wireMessage struct {
	Kind    MessageKind     `json:"kind"`
	TradeID string          `json:"tradeId"`
	UID     string          `json:"uid"`
	Body    json.RawMessage `json:"body"`
}

// EncodeMessage wraps a protocol message into a transport envelope.
func EncodeMessage(tradeID, uid string, msg Message) (p2p.Envelope, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return p2p.Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	wire, err := p2p.NewJSONMessage(p2p.MsgTypeTrade, wireMessage{Kind: msg.Kind(), TradeID: tradeID, UID: uid, Body: body})
	if err != nil {
		return p2p.Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return p2p.Envelope{UID: uid, Message: wire}, nil
}

// DecodeMessage unwraps a transport message into the trade id and body.
func DecodeMessage(raw *p2p.Message) (tradeID, uid string, msg Message, err error) {
	if raw == nil || raw.Type != p2p.MsgTypeTrade {
		return "", "", nil, fmt.Errorf("%w: not a trade message", p2p.ErrInvalidPayload)
	}
	var wire wireMessage
	if err := json.Unmarshal(raw.Payload, &wire); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
	}
	if wire.TradeID == "" {
		return "", "", nil, fmt.Errorf("%w: trade message without trade id", p2p.ErrInvalidPayload)
	}
	switch wire.Kind {
	case KindInputsForDepositTxRequest:
		msg = &InputsForDepositTxRequest{}
	case KindInputsForDepositTxResponse:
		msg = &InputsForDepositTxResponse{}
	case KindDelayedPayoutTxSignatureRequest:
		msg = &DelayedPayoutTxSignatureRequest{}
	case KindDelayedPayoutTxSignatureResponse:
		msg = &DelayedPayoutTxSignatureResponse{}
	case KindDepositTxAndDelayedPayoutTx:
		msg = &DepositTxAndDelayedPayoutTxMessage{}
	case KindPaymentAccountPayload:
		msg = &PaymentAccountPayloadMessage{}
	case KindPaymentStarted:
		msg = &PaymentStartedMessage{}
	case KindPayoutTxPublished:
		msg = &PayoutTxPublishedMessage{}
	default:
		return "", "", nil, fmt.Errorf("%w: unknown trade message %q", p2p.ErrInvalidPayload, wire.Kind)
	}
	if err := json.Unmarshal(wire.Body, msg); err != nil {
		return "", "", nil, fmt.Errorf("%w: %s: %v", p2p.ErrInvalidPayload, wire.Kind, err)
	}
	return wire.TradeID, wire.UID, msg, nil
}
