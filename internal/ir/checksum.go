package ir

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// Supported checksum algorithms.
const (
	AlgSHA256 = "sha256"
	AlgSHA512 = "sha512"
	AlgBLAKE3 = "blake3"
)

// digestSizes maps algorithm name to digest size in bytes.
var digestSizes = map[string]int{
	AlgSHA256: sha256.Size,
	AlgSHA512: sha512.Size,
	AlgBLAKE3: 32,
}

// Checksum is a declared digest for a source archive.
type Checksum struct {
	Algorithm string `json:"algorithm,omitempty"`
	Digest    string `json:"digest,omitempty"` // lowercase hex
}

// IsZero reports whether no checksum was declared.
func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && c.Digest == ""
}

// String renders "algorithm:digest".
func (c Checksum) String() string {
	if c.IsZero() {
		return "none"
	}
	return c.Algorithm + ":" + c.Digest
}

// Validate checks the algorithm is known and the digest is well-formed hex
// of the right length.
func (c Checksum) Validate() error {
	size, ok := digestSizes[c.Algorithm]
	if !ok {
		return fmt.Errorf("unsupported checksum algorithm %q", c.Algorithm)
	}
	raw, err := hex.DecodeString(c.Digest)
	if err != nil {
		return fmt.Errorf("checksum digest is not hex: %w", err)
	}
	if len(raw) != size {
		return fmt.Errorf("%s digest must be %d hex characters, got %d", c.Algorithm, size*2, len(c.Digest))
	}
	if c.Digest != strings.ToLower(c.Digest) {
		return fmt.Errorf("checksum digest must be lowercase hex")
	}
	return nil
}

// NewHash returns a fresh hasher for the checksum's algorithm.
func (c Checksum) NewHash() (hash.Hash, error) {
	return NewHash(c.Algorithm)
}

// NewHash returns a fresh hasher for the named algorithm.
func NewHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case AlgSHA256:
		return sha256.New(), nil
	case AlgSHA512:
		return sha512.New(), nil
	case AlgBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// Matches compares a computed digest (hex) against the declared one in
// constant time.
func (c Checksum) Matches(actualHex string) bool {
	want, err := hex.DecodeString(c.Digest)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(actualHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}
