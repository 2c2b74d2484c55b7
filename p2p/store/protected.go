package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"tradenet/crypto"
	"tradenet/p2p/payload"
)

// ErrNotProtectable is returned when a payload without owners is signed as a
// protected entry.
var ErrNotProtectable = errors.New("store: payload cannot be stored as protected entry")

// ProtectedEntry is an owner-signed, sequence-numbered wrapper around a
// payload that may later be removed by its owner.
type ProtectedEntry struct {
	Payload        payload.Payload
	OwnerPubKey    []byte
	SequenceNumber int32
	Signature      []byte
	CreationMillis int64
}

// SignedData returns the bytes signed by the owner of an entry.
func SignedData(hash []byte, seq int32) []byte {
	out := make([]byte, 0, len(hash)+4)
	out = append(out, hash...)
	return binary.BigEndian.AppendUint32(out, uint32(seq))
}

// SignProtectedEntry wraps p into an entry signed by key.
func SignProtectedEntry(p payload.Payload, key *crypto.PrivateKey, seq int32, now time.Time) (*ProtectedEntry, error) {
	if _, ok := p.(payload.Owned); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotProtectable, p.Kind())
	}
	sig, err := key.Sign(SignedData(p.Hash(), seq))
	if err != nil {
		return nil, err
	}
	return &ProtectedEntry{
		Payload:        p,
		OwnerPubKey:    key.PubKey().Compressed(),
		SequenceNumber: seq,
		Signature:      sig,
		CreationMillis: now.UnixMilli(),
	}, nil
}

// Key returns the storage key of the wrapped payload.
func (e *ProtectedEntry) Key() ByteArray { return KeyOf(e.Payload) }

// IsSignatureValid checks the owner signature over payload hash and sequence number.
func (e *ProtectedEntry) IsSignatureValid() bool {
	return crypto.Verify(e.OwnerPubKey, SignedData(e.Payload.Hash(), e.SequenceNumber), e.Signature)
}

// IsExpired reports whether the payload TTL has elapsed since creation.
func (e *ProtectedEntry) IsExpired(now time.Time) bool {
	exp, ok := e.Payload.(payload.Expirable)
	if !ok {
		return false
	}
	return now.Sub(time.UnixMilli(e.CreationMillis)) > exp.TTL()
}

// IsValidForAddOperation reports whether the entry is signed by the add owner.
func (e *ProtectedEntry) IsValidForAddOperation() bool {
	owned, ok := e.Payload.(payload.Owned)
	if !ok || !bytes.Equal(owned.AddOwnerPubKey(), e.OwnerPubKey) {
		return false
	}
	return e.IsSignatureValid()
}

// IsValidForRemoveOperation reports whether the entry is signed by the remove owner.
func (e *ProtectedEntry) IsValidForRemoveOperation() bool {
	owned, ok := e.Payload.(payload.Owned)
	if !ok || !bytes.Equal(owned.RemoveOwnerPubKey(), e.OwnerPubKey) {
		return false
	}
	return e.IsSignatureValid()
}

// MatchesRelevantPubKey reports whether an add entry is signed by the same
// owner as the stored entry for the payload.
func (e *ProtectedEntry) MatchesRelevantPubKey(stored *ProtectedEntry) bool {
	return bytes.Equal(e.OwnerPubKey, stored.OwnerPubKey)
}

func (e *ProtectedEntry) matchesRemoveOwner(stored *ProtectedEntry) bool {
	owned, ok := stored.Payload.(payload.Owned)
	return ok && bytes.Equal(owned.RemoveOwnerPubKey(), e.OwnerPubKey)
}

// Marshal returns the wire form of the entry.
func (e *ProtectedEntry) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, payload.MarshalTagged(e.Payload))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, e.OwnerPubKey)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(e.SequenceNumber)))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signature)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(e.CreationMillis))
}

// UnmarshalProtectedEntry decodes the output of Marshal.
func UnmarshalProtectedEntry(b []byte) (*ProtectedEntry, error) {
	e := &ProtectedEntry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("store: protected entry: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("store: protected entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 1:
				p, err := payload.UnmarshalTagged(v)
				if err != nil {
					return nil, err
				}
				e.Payload = p
			case 2:
				e.OwnerPubKey = append([]byte(nil), v...)
			case 4:
				e.Signature = append([]byte(nil), v...)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("store: protected entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 3:
				e.SequenceNumber = int32(uint32(v))
			case 5:
				e.CreationMillis = int64(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("store: protected entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.Payload == nil {
		return nil, errors.New("store: protected entry without payload")
	}
	return e, nil
}
