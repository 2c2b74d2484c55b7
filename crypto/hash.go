package crypto

import (
	"crypto/sha256"

	"github.com/btcsuite/btcutil"
)

// Hash160Size is the byte length of a RIPEMD160(SHA256(x)) digest.
const Hash160Size = 20

// Hash160 returns RIPEMD160(SHA256(data)), the digest used for payload hashes and
// the blind vote commitment.
func Hash160(data []byte) []byte {
	return btcutil.Hash160(data)
}

// Sha256 returns the SHA-256 digest of data as a slice.
func Sha256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
