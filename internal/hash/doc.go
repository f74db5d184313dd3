// Package hash provides the hashing primitives used throughout the store.
//
// Three hash families are used, each for a distinct purpose:
//
//   - CRC32-Castagnoli for on-disk segment checksums. Hardware accelerated
//     on x86 (SSE4.2) and ARM (CRC extension), industry standard for
//     storage integrity (iSCSI, RocksDB, LevelDB).
//   - xxhash64 for term and key hashing. Fast, non-cryptographic; postings
//     and cache fingerprints are keyed by xxhash64 of the normalized input.
//   - BLAKE3-256 for content addressing. Blobs are stored and deduplicated
//     under the BLAKE3 digest of their uncompressed bytes.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
package hash
