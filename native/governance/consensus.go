package governance

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"tradenet/p2p/payload"
)

// SecretKeySize is the AES key length used to encrypt votes and merits.
const SecretKeySize = 16

var errCiphertextTooShort = errors.New("governance: ciphertext too short")

// VoteChoice is the ballot for one proposal.
type VoteChoice uint8

const (
	// VoteIgnored marks a proposal the voter did not vote on.
	VoteIgnored VoteChoice = iota
	VoteAccept
	VoteReject
)

func (c VoteChoice) String() string {
	switch c {
	case VoteAccept:
		return "accept"
	case VoteReject:
		return "reject"
	default:
		return "ignored"
	}
}

// Ballot pairs a proposal with the voter's choice.
type Ballot struct {
	ProposalTxID string
	Choice       VoteChoice
}

// SortBallots orders ballots by proposal tx id so every node encrypts the
// same byte sequence.
func SortBallots(ballots []Ballot) []Ballot {
	out := append([]Ballot(nil), ballots...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProposalTxID < out[j].ProposalTxID })
	return out
}

// SortBlindVotes orders blind votes by tx id.
func SortBlindVotes(votes []payload.BlindVote) []payload.BlindVote {
	out := append([]payload.BlindVote(nil), votes...)
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out
}

// EncodeBallots returns the canonical rlp encoding of the sorted ballots.
func EncodeBallots(ballots []Ballot) ([]byte, error) {
	return rlp.EncodeToBytes(SortBallots(ballots))
}

// DecodeBallots reverses EncodeBallots.
func DecodeBallots(b []byte) ([]Ballot, error) {
	var out []Ballot
	if err := rlp.DecodeBytes(b, &out); err != nil {
		return nil, fmt.Errorf("governance: decode ballots: %w", err)
	}
	return out, nil
}

// NewSecretKey returns a random vote encryption key.
func NewSecretKey() ([]byte, error) {
	key := make([]byte, SecretKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plain with AES-GCM. The nonce is prepended to the ciphertext.
func Encrypt(plain, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens the output of Encrypt.
func Decrypt(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptBallots encodes and encrypts the ballots with key.
func EncryptBallots(ballots []Ballot, key []byte) ([]byte, error) {
	encoded, err := EncodeBallots(ballots)
	if err != nil {
		return nil, err
	}
	return Encrypt(encoded, key)
}

// DecryptBallots reverses EncryptBallots once the key is revealed.
func DecryptBallots(encrypted, key []byte) ([]Ballot, error) {
	plain, err := Decrypt(encrypted, key)
	if err != nil {
		return nil, err
	}
	return DecodeBallots(plain)
}
