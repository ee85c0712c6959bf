// Package security verifies content checksums published in LinkID resolution records.
package security

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Supported checksum algorithms.
const (
	AlgSHA256     = "sha256"
	AlgSHA512     = "sha512"
	AlgBLAKE2b256 = "blake2b-256"
	AlgSHA3256    = "sha3-256"
)

// ErrChecksumMismatch is returned when content does not match its checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrUnsupportedAlgorithm is returned for algorithms this package cannot compute.
var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

// Checksum is a parsed "<alg>:<hex>" digest.
type Checksum struct {
	Algorithm string
	Digest    []byte
}

// ParseChecksum parses "<alg>:<hex>". The algorithm name is case-insensitive.
func ParseChecksum(s string) (Checksum, error) {
	alg, digest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || alg == "" || digest == "" {
		return Checksum{}, fmt.Errorf("checksum %q: want <alg>:<hex>", s)
	}
	alg = strings.ToLower(alg)

	h, err := newHash(alg)
	if err != nil {
		return Checksum{}, err
	}

	raw, err := hex.DecodeString(digest)
	if err != nil {
		return Checksum{}, fmt.Errorf("checksum %q: %w", s, err)
	}
	if len(raw) != h.Size() {
		return Checksum{}, fmt.Errorf("checksum %q: %s digest must be %d bytes, got %d", s, alg, h.Size(), len(raw))
	}
	return Checksum{Algorithm: alg, Digest: raw}, nil
}

// String returns the checksum in "<alg>:<hex>" form.
func (c Checksum) String() string {
	return c.Algorithm + ":" + hex.EncodeToString(c.Digest)
}

// Verify checks data against the digest in constant time.
func (c Checksum) Verify(data []byte) error {
	sum, err := Sum(c.Algorithm, data)
	if err != nil {
		return err
	}
	if !ConstantTimeCompare(sum, c.Digest) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, c.Algorithm)
	}
	return nil
}

// Sum computes the digest of data with alg.
func Sum(alg string, data []byte) ([]byte, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// Compute returns the "<alg>:<hex>" checksum of data.
func Compute(alg string, data []byte) (string, error) {
	sum, err := Sum(alg, data)
	if err != nil {
		return "", err
	}
	return Checksum{Algorithm: strings.ToLower(alg), Digest: sum}.String(), nil
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newHash(alg string) (hash.Hash, error) {
	switch strings.ToLower(alg) {
	case AlgSHA256:
		return sha256.New(), nil
	case AlgSHA512:
		return sha512.New(), nil
	case AlgBLAKE2b256:
		// Only fails for keys longer than 64 bytes.
		h, _ := blake2b.New256(nil)
		return h, nil
	case AlgSHA3256:
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}
