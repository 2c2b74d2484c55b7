package governance

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"tradenet/crypto"
)

// Merit proves ownership of a compensation issuance. The issuance key signs
// the blind vote tx id so the merit cannot be reused in another vote.
type Merit struct {
	IssuanceTxID string
	Signature    []byte
}

// Issuance is a compensation issuance owned by the voter.
type Issuance struct {
	TxID string
	Key  *crypto.PrivateKey
}

// SignMerits signs blindVoteTxID with every issuance key.
func SignMerits(issuances []Issuance, blindVoteTxID string) ([]Merit, error) {
	merits := make([]Merit, 0, len(issuances))
	for _, iss := range issuances {
		sig, err := iss.Key.Sign([]byte(blindVoteTxID))
		if err != nil {
			return nil, fmt.Errorf("governance: sign merit %s: %w", iss.TxID, err)
		}
		merits = append(merits, Merit{IssuanceTxID: iss.TxID, Signature: sig})
	}
	return merits, nil
}

// VerifyMerit checks a merit against the issuance public key.
func VerifyMerit(m Merit, issuancePubKey []byte, blindVoteTxID string) bool {
	return crypto.Verify(issuancePubKey, []byte(blindVoteTxID), m.Signature)
}

// EncryptMerits encodes the merit list with rlp and encrypts it with key.
func EncryptMerits(merits []Merit, key []byte) ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(merits)
	if err != nil {
		return nil, fmt.Errorf("governance: encode merits: %w", err)
	}
	return Encrypt(encoded, key)
}

// DecryptMerits reverses EncryptMerits.
func DecryptMerits(encrypted, key []byte) ([]Merit, error) {
	plain, err := Decrypt(encrypted, key)
	if err != nil {
		return nil, err
	}
	var merits []Merit
	if err := rlp.DecodeBytes(plain, &merits); err != nil {
		return nil, fmt.Errorf("governance: decode merits: %w", err)
	}
	return merits, nil
}
