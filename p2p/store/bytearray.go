// Package store keeps the payloads replicated across the peer network:
// append-only content-addressed stores split into live and historical tiers,
// signed protected entries, and the bookkeeping maps guarding them.
package store

import (
	"encoding/hex"
	"errors"

	"tradenet/p2p/payload"
)

// ErrEmptyKey is returned when a key is built from an empty hash.
var ErrEmptyKey = errors.New("store: empty key")

// ByteArray is a content hash usable as a map key.
type ByteArray string

// NewByteArray copies b into a key.
func NewByteArray(b []byte) (ByteArray, error) {
	if len(b) == 0 {
		return "", ErrEmptyKey
	}
	return ByteArray(b), nil
}

// KeyOf returns the storage key of p.
func KeyOf(p payload.Payload) ByteArray {
	return ByteArray(p.Hash())
}

// Bytes returns a copy of the raw hash.
func (k ByteArray) Bytes() []byte { return []byte(k) }

// Hex returns the hex encoding of the hash.
func (k ByteArray) Hex() string { return hex.EncodeToString([]byte(k)) }

func (k ByteArray) String() string { return k.Hex() }
