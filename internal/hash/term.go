package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Term computes the 64-bit xxhash of a normalized term.
func Term(term string) uint64 {
	return xxhash.Sum64String(term)
}

// Key computes the 64-bit xxhash of an arbitrary byte key.
func Key(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Fingerprint folds a sequence of 64-bit components into a single stable
// 64-bit fingerprint. Used to derive cache keys from structured queries.
func Fingerprint(parts ...uint64) uint64 {
	var buf [8]byte
	d := xxhash.New()
	for _, p := range parts {
		binary.LittleEndian.PutUint64(buf[:], p)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
