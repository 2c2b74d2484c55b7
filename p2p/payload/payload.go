// Package payload defines the content-addressed payload variants replicated by
// the peer network and their protobuf wire encoding.
package payload

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"tradenet/p2p"
)

// ErrUnknownKind is returned when decoding a payload of an unregistered kind.
var ErrUnknownKind = errors.New("payload: unknown kind")

// Kind tags the payload variant.
type Kind uint8

const (
	KindTradeStatistics Kind = iota + 1
	KindBlindVote
	KindMailbox
)

// Kinds lists every payload variant.
func Kinds() []Kind {
	return []Kind{KindTradeStatistics, KindBlindVote, KindMailbox}
}

func (k Kind) String() string {
	switch k {
	case KindTradeStatistics:
		return "TradeStatistics"
	case KindBlindVote:
		return "BlindVotePayload"
	case KindMailbox:
		return "MailboxPayload"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Payload is an immutable, content-addressed network payload.
type Payload interface {
	Kind() Kind
	// Hash returns the content hash used as the storage key.
	Hash() []byte
	// VerifyHashSize reports whether the hash has the size expected for the kind.
	VerifyHashSize() bool
	// Marshal returns the protobuf wire form.
	Marshal() []byte
}

// CapabilityRequiring payloads are only sent to peers advertising all returned capabilities.
type CapabilityRequiring interface {
	RequiredCapabilities() p2p.Capabilities
}

// DateSortedTruncatable payloads are truncated to the newest MaxItems entries in
// sync responses.
type DateSortedTruncatable interface {
	Date() time.Time
	MaxItems() int
}

// DateTolerant payloads received through gossip are dropped when their date is
// outside tolerance of the local clock.
type DateTolerant interface {
	IsDateInTolerance(now time.Time) bool
}

// ProcessOnce payloads are applied from the first sync response only.
type ProcessOnce interface {
	ProcessOnce()
}

// AddOnce payloads cannot be re-added once removed.
type AddOnce interface {
	AddOnce()
}

// Owned payloads are stored as signed protected entries. The add and the
// removal may be signed by different keys.
type Owned interface {
	AddOwnerPubKey() []byte
	RemoveOwnerPubKey() []byte
}

// Expirable payloads are dropped from the protected store after their TTL.
type Expirable interface {
	TTL() time.Duration
}

// Unmarshal decodes the wire form of a payload of the given kind.
func Unmarshal(kind Kind, b []byte) (Payload, error) {
	switch kind {
	case KindTradeStatistics:
		return UnmarshalTradeStatistics(b)
	case KindBlindVote:
		return UnmarshalBlindVotePayload(b)
	case KindMailbox:
		return UnmarshalMailbox(b)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
}

const (
	fieldEntryKind protowire.Number = 1
	fieldEntryData protowire.Number = 2
	fieldListEntry protowire.Number = 1
)

// MarshalTagged encodes a payload together with its kind.
func MarshalTagged(p Payload) []byte {
	var b []byte
	b = appendVarintField(b, fieldEntryKind, uint64(p.Kind()))
	b = appendBytesField(b, fieldEntryData, p.Marshal())
	return b
}

// UnmarshalTagged decodes the output of MarshalTagged.
func UnmarshalTagged(b []byte) (Payload, error) {
	var kind Kind
	var data []byte
	err := walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldEntryKind:
			kind = Kind(v)
		case fieldEntryData:
			data = raw
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Unmarshal(kind, data)
}

// MarshalList encodes payloads of any kind into one message.
func MarshalList(payloads []Payload) []byte {
	var b []byte
	for _, p := range payloads {
		b = protowire.AppendTag(b, fieldListEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalTagged(p))
	}
	return b
}

// UnmarshalList decodes the output of MarshalList.
func UnmarshalList(b []byte) ([]Payload, error) {
	var out []Payload
	err := walkFields(b, func(num protowire.Number, _ uint64, raw []byte) error {
		if num != fieldListEntry {
			return nil
		}
		p, err := UnmarshalTagged(raw)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
