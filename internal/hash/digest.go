package hash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a content digest in bytes (BLAKE3-256).
const DigestSize = 32

// Digest is the BLAKE3-256 content digest of a blob's uncompressed bytes.
type Digest [DigestSize]byte

// Sum computes the content digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a lowercase hex digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if hex.DecodedLen(len(s)) != DigestSize {
		return d, fmt.Errorf("invalid digest length %d", len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("invalid digest encoding: %w", err)
	}
	return d, nil
}
