package p2p

import (
	"encoding/json"
	"fmt"
)

// Constants for our P2P message types.
const (
	MsgTypeAddPersistableNetworkPayload byte = 0x01
	MsgTypeAddData                      byte = 0x02
	MsgTypeRemoveMailboxData            byte = 0x03
	MsgTypeGetDataRequest               byte = 0x04
	MsgTypeGetDataResponse              byte = 0x05
	MsgTypeTrade                        byte = 0x10
	MsgTypeAck                          byte = 0x11
)

// AckMessage confirms that a direct or mailbox message was processed.
type AckMessage struct {
	UID          string `json:"uid"`
	SourceUID    string `json:"sourceUid"`
	SourceType   string `json:"sourceType"`
	SourceID     string `json:"sourceId"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// --- Message Creation Helpers ---

// NewJSONMessage encodes v as the payload of a message of the given type.
func NewJSONMessage(msgType byte, v any) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: payload}, nil
}

// NewAckMessage builds an ACK envelope payload.
func NewAckMessage(ack AckMessage) (*Message, error) {
	return NewJSONMessage(MsgTypeAck, ack)
}

// DecodeAck decodes an ACK message payload.
func DecodeAck(msg *Message) (AckMessage, error) {
	var ack AckMessage
	if msg == nil || msg.Type != MsgTypeAck {
		return ack, fmt.Errorf("%w: not an ack message", ErrInvalidPayload)
	}
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return ack, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ack.SourceUID == "" {
		return ack, fmt.Errorf("%w: ack without source uid", ErrInvalidPayload)
	}
	return ack, nil
}
