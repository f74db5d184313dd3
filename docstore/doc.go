// Package docstore is the authoritative keyed record store.
//
// Documents live in BadgerDB under (account, collection, id) keys. A
// commit is all-or-nothing across the field update, the term-delta
// computation, the bitmap index update, blob reference registration, and
// the mutation-log append: the record, the log entry, the blob reference
// counts, and the change log are written in one Badger transaction, and
// the in-memory index delta is applied only after that transaction is
// durable. If any step fails nothing is visible.
//
// The store is the source of truth; the bitmap index is derived from it
// and rebuildable (see Rebuild). Deletes tombstone the document id rather
// than reclaiming it, so mutation-log replay stays deterministic.
//
// Every committed change is also an entry in the replicated mutation log,
// keyed (origin node, sequence number). Applying a remote entry runs the
// same commit path as a local write, guarded by a per-origin high-water
// mark so replay is idempotent.
package docstore
