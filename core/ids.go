package core

// AccountID identifies one tenant account.
type AccountID uint32

// Collection identifies a document collection within an account
// (e.g. mail, mailbox, thread).
type Collection uint8

// Well-known collections of the mail data model. Callers may define
// further collections above CollectionReserved.
const (
	CollectionMailbox Collection = iota + 1
	CollectionThread
	CollectionMail
	CollectionIdentity
	CollectionReserved Collection = 32
)

// DocumentID is a dense, monotonically increasing identifier for a document
// within one (account, collection) scope. It is strictly 32-bit so that
// posting bitmaps stay compact. A DocumentID is never reused: deletes
// tombstone the id instead of reclaiming it.
type DocumentID uint32

// MaxDocumentID is the maximum possible value for a DocumentID.
const MaxDocumentID = ^DocumentID(0)

// FieldID identifies an indexed field within a collection.
type FieldID uint8

// TermHash is the 64-bit hash of a normalized term. Postings are keyed by
// term hash rather than by the term text itself.
type TermHash uint64

// SeqNum is a per-origin logical sequence number in the mutation log.
// SeqNums from one origin form a gapless, strictly increasing series.
type SeqNum uint64
