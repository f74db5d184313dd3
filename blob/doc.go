// Package blob implements content-addressed storage for large binary
// payloads (message bodies, attachments).
//
// A blob is identified by the BLAKE3-256 digest of its uncompressed
// bytes. Two identical payloads store once; Put is idempotent and returns
// the same digest for the same bytes. Payloads are zstd-compressed before
// persistence, and compression is verified reversible at write time so a
// corrupt encoding is never persisted silently. Reads verify the digest of
// the decompressed bytes against the requested digest.
//
// The digest -> bytes mapping is append-only: a digest is never rebound
// once stored, which makes concurrent readers safe during writes without
// locking. Deletion happens only through reference counting driven by the
// document store, after the last referencing document's removal has been
// replicated.
//
// The local filesystem backend is the default; the minio subpackage
// provides the same interface against any S3-compatible endpoint.
package blob
