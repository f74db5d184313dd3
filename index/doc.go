// Package index implements the compressed bitmap index over document
// postings.
//
// Every searchable association between a document and a value is stored as
// a posting: a Roaring bitmap of document ids keyed by
// (account, collection, field, term hash). Boolean queries evaluate by set
// algebra over these bitmaps; range queries over ordered fields use a
// per-field sorted value index whose entries point at the same bitmap
// representation.
//
// The index is derived data. The document store is the source of truth and
// the index is rebuildable from it; nothing in this package owns document
// existence.
//
// # Concurrency
//
// Postings are striped across lock shards by key hash, so updates to
// unrelated terms proceed independently. Readers snapshot each posting
// under a shard read lock; within a single posting a reader sees either
// the pre-update or post-update bitmap, never a partial one.
//
// # Persistence
//
// Segments persist all postings for the process with lz4 block compression
// and a CRC32C checksum. A checksum mismatch on load is a fatal integrity
// error, never skipped: a corrupt segment means missed documents.
package index
