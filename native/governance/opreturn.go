package governance

import (
	"bytes"

	"tradenet/crypto"
)

const (
	// OpReturnTypeBlindVote tags a blind vote commitment.
	OpReturnTypeBlindVote byte = 0x13
	// OpReturnVersionBlindVote is the current commitment version.
	OpReturnVersionBlindVote byte = 0x01
	// OpReturnDataLength is type tag, version and a 20 byte hash.
	OpReturnDataLength = 2 + crypto.Hash160Size
)

// HashOfEncryptedVotes returns RIPEMD160(SHA256(encryptedVotes)).
func HashOfEncryptedVotes(encryptedVotes []byte) []byte {
	return crypto.Hash160(encryptedVotes)
}

// OpReturnData builds the commitment carried by the blind vote transaction.
func OpReturnData(encryptedVotes []byte) []byte {
	out := make([]byte, 0, OpReturnDataLength)
	out = append(out, OpReturnTypeBlindVote, OpReturnVersionBlindVote)
	return append(out, HashOfEncryptedVotes(encryptedVotes)...)
}

// HasOpReturnDataValidLength reports whether data has the commitment length.
func HasOpReturnDataValidLength(data []byte) bool {
	return len(data) == OpReturnDataLength
}

// MatchesOpReturn reports whether data commits to encryptedVotes.
func MatchesOpReturn(data, encryptedVotes []byte) bool {
	return HasOpReturnDataValidLength(data) &&
		data[0] == OpReturnTypeBlindVote &&
		bytes.Equal(data[2:], HashOfEncryptedVotes(encryptedVotes))
}
