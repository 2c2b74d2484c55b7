package payload

import (
	"bytes"
	"fmt"
	"maps"

	"google.golang.org/protobuf/encoding/protowire"

	"tradenet/crypto"
	"tradenet/p2p"
)

// BlindVote is the encrypted ballot commitment published during the blind vote
// phase. It is immutable once constructed.
type BlindVote struct {
	EncryptedVotes     []byte
	TxID               string
	Stake              int64
	EncryptedMeritList []byte
	// DateMillis is the creation time in unix milliseconds.
	DateMillis int64
	ExtraData  map[string]string
}

// Marshal returns the protobuf wire form of the vote.
func (v BlindVote) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, v.EncryptedVotes)
	b = appendStringField(b, 2, v.TxID)
	b = appendVarintField(b, 3, uint64(v.Stake))
	b = appendBytesField(b, 4, v.EncryptedMeritList)
	b = appendVarintField(b, 5, uint64(v.DateMillis))
	b = appendStringMap(b, 6, v.ExtraData)
	return b
}

// UnmarshalBlindVote decodes the wire form produced by BlindVote.Marshal.
func UnmarshalBlindVote(b []byte) (BlindVote, error) {
	var v BlindVote
	err := walkFields(b, func(num protowire.Number, x uint64, data []byte) error {
		var err error
		switch num {
		case 1:
			v.EncryptedVotes = data
		case 2:
			v.TxID = string(data)
		case 3:
			v.Stake = int64(x)
		case 4:
			v.EncryptedMeritList = data
		case 5:
			v.DateMillis = int64(x)
		case 6:
			v.ExtraData, err = consumeStringMapEntry(v.ExtraData, data)
		}
		return err
	})
	if err != nil {
		return BlindVote{}, fmt.Errorf("decode blind vote: %w", err)
	}
	return v, nil
}

// Equal compares the votes field by field.
func (v BlindVote) Equal(other BlindVote) bool {
	return bytes.Equal(v.EncryptedVotes, other.EncryptedVotes) &&
		v.TxID == other.TxID &&
		v.Stake == other.Stake &&
		bytes.Equal(v.EncryptedMeritList, other.EncryptedMeritList) &&
		v.DateMillis == other.DateMillis &&
		maps.Equal(v.ExtraData, other.ExtraData)
}

func (v BlindVote) String() string {
	return fmt.Sprintf("BlindVote{txId=%s, stake=%d, encryptedVotes=%d bytes, encryptedMeritList=%d bytes}",
		v.TxID, v.Stake, len(v.EncryptedVotes), len(v.EncryptedMeritList))
}

// BlindVotePayload carries a BlindVote through the append-only store.
type BlindVotePayload struct {
	vote BlindVote
	hash []byte
}

// NewBlindVotePayload wraps vote and hashes its wire form.
func NewBlindVotePayload(vote BlindVote) *BlindVotePayload {
	return &BlindVotePayload{vote: vote, hash: crypto.Hash160(vote.Marshal())}
}

// BlindVote returns the wrapped vote.
func (p *BlindVotePayload) BlindVote() BlindVote { return p.vote }

func (p *BlindVotePayload) Kind() Kind { return KindBlindVote }

func (p *BlindVotePayload) Hash() []byte { return append([]byte(nil), p.hash...) }

func (p *BlindVotePayload) VerifyHashSize() bool { return len(p.hash) == crypto.Hash160Size }

func (p *BlindVotePayload) RequiredCapabilities() p2p.Capabilities {
	return p2p.NewCapabilities(p2p.CapabilityBlindVote)
}

func (p *BlindVotePayload) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, p.vote.Marshal())
	b = appendBytesField(b, 2, p.hash)
	return b
}

// UnmarshalBlindVotePayload decodes a payload, recomputing a missing hash.
func UnmarshalBlindVotePayload(b []byte) (*BlindVotePayload, error) {
	p := &BlindVotePayload{}
	err := walkFields(b, func(num protowire.Number, _ uint64, data []byte) error {
		switch num {
		case 1:
			vote, err := UnmarshalBlindVote(data)
			if err != nil {
				return err
			}
			p.vote = vote
		case 2:
			p.hash = data
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(p.hash) == 0 {
		p.hash = crypto.Hash160(p.vote.Marshal())
	}
	return p, nil
}
