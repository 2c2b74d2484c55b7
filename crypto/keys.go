package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of a payout address.
type AddressPrefix string

const (
	MainnetPrefix AddressPrefix = "bc"
	TestnetPrefix AddressPrefix = "tb"
	RegtestPrefix AddressPrefix = "bcrt"
)

// witnessVersion is the segwit version encoded in front of the program.
const witnessVersion = 0

// Address is a version 0 witness key hash address used for payouts.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != Hash160Size {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes long", Hash160Size)
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

// MustNewAddress panics when b is not a 20 byte program. Intended for tests and constants.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), append([]byte{witnessVersion}, conv...))
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if len(decoded) < 1 || decoded[0] != witnessVersion {
		return Address{}, errors.New("crypto: unsupported witness version")
	}
	conv, err := bech32.ConvertBits(decoded[1:], 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable secp256k1 signature over SHA-256(msg).
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(Sha256(msg), k.PrivateKey)
}

// Compressed returns the 33 byte SEC encoding of the key.
func (k *PublicKey) Compressed() []byte {
	return crypto.CompressPubkey(k.PublicKey)
}

// Address derives the witness key hash payout address of the key.
func (k *PublicKey) Address(prefix AddressPrefix) Address {
	return MustNewAddress(prefix, Hash160(k.Compressed()))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PublicKeyFromBytes parses a compressed or uncompressed secp256k1 key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	switch len(b) {
	case 33:
		pub, err := crypto.DecompressPubkey(b)
		if err != nil {
			return nil, err
		}
		return &PublicKey{pub}, nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(b)
		if err != nil {
			return nil, err
		}
		return &PublicKey{pub}, nil
	default:
		return nil, fmt.Errorf("crypto: invalid public key length %d", len(b))
	}
}

// Verify checks a signature produced by PrivateKey.Sign against the encoded public key.
func Verify(pubKey, msg, sig []byte) bool {
	if len(sig) < 64 || len(pubKey) == 0 {
		return false
	}
	return crypto.VerifySignature(pubKey, Sha256(msg), sig[:64])
}

// PubKeyRing is the public identity a trader shares with its counterparty.
type PubKeyRing struct {
	SignaturePubKey []byte `json:"signaturePubKey"`
}

// Equal reports whether both rings carry the same signature key.
func (r PubKeyRing) Equal(other PubKeyRing) bool {
	return bytes.Equal(r.SignaturePubKey, other.SignaturePubKey)
}

// KeyRing holds the node's private signature key.
type KeyRing struct {
	signature *PrivateKey
}

func NewKeyRing(signature *PrivateKey) *KeyRing {
	return &KeyRing{signature: signature}
}

// SignatureKey returns the private signature key.
func (r *KeyRing) SignatureKey() *PrivateKey {
	return r.signature
}

// PubKeyRing returns the shareable public part of the ring.
func (r *KeyRing) PubKeyRing() PubKeyRing {
	return PubKeyRing{SignaturePubKey: r.signature.PubKey().Compressed()}
}
