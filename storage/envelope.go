package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// ErrCorrupted marks a persisted file that failed the envelope checks.
var ErrCorrupted = errors.New("storage: corrupted envelope")

var envelopeMagic = []byte("TNE1")

const checksumSize = 32

// EncodeEnvelope frames body with a magic header and a trailing blake3 checksum.
func EncodeEnvelope(body []byte) []byte {
	out := make([]byte, 0, len(envelopeMagic)+len(body)+checksumSize)
	out = append(out, envelopeMagic...)
	out = append(out, body...)
	sum := blake3.Sum256(out)
	return append(out, sum[:]...)
}

// DecodeEnvelope verifies the frame written by EncodeEnvelope and returns the body.
func DecodeEnvelope(raw []byte) ([]byte, error) {
	if len(raw) < len(envelopeMagic)+checksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupted, len(raw))
	}
	if !bytes.Equal(raw[:len(envelopeMagic)], envelopeMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	split := len(raw) - checksumSize
	sum := blake3.Sum256(raw[:split])
	if !bytes.Equal(sum[:], raw[split:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	return raw[len(envelopeMagic):split], nil
}

// Checksum returns the hex blake3 checksum stored in an envelope, used for
// logging bundled resources at load.
func Checksum(raw []byte) string {
	if len(raw) < checksumSize {
		return ""
	}
	return fmt.Sprintf("%x", raw[len(raw)-checksumSize:])
}

// ReadEnvelopeFile reads and verifies an envelope file. A missing file is reported
// with an error matching os.ErrNotExist.
func ReadEnvelopeFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(raw)
}

// WriteEnvelopeFile atomically replaces path with an envelope holding body.
func WriteEnvelopeFile(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(EncodeEnvelope(body)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
