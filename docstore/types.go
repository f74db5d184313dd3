package docstore

import (
	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/internal/hash"
	"github.com/xet7/jmap-server/nlp"
)

// Digest is a blob content digest, aliased from the hash package so
// callers of the store rarely need that import.
type Digest = hash.Digest

// ValueKind selects how a field value is typed and indexed.
type ValueKind uint8

const (
	// KindText is full-text content: tokenized, stemmed, and indexed as
	// term postings.
	KindText ValueKind = iota + 1
	// KindKeyword is an exact-match string indexed as a single
	// lower-cased term.
	KindKeyword
	// KindInteger is an ordered numeric value indexed for range queries.
	KindInteger
	// KindTag is an exact-match label indexed verbatim.
	KindTag
	// KindRemove clears the field. Used only in commit requests.
	KindRemove
)

// Value is one typed field value.
type Value struct {
	Kind     ValueKind    `json:"k"`
	Text     string       `json:"t,omitempty"`
	Language nlp.Language `json:"l,omitempty"`
	Integer  int64        `json:"i,omitempty"`
}

// TextValue builds a full-text value with an optional language hint.
func TextValue(text string, lang nlp.Language) Value {
	return Value{Kind: KindText, Text: text, Language: lang}
}

// KeywordValue builds an exact-match string value.
func KeywordValue(s string) Value { return Value{Kind: KindKeyword, Text: s} }

// IntegerValue builds an ordered numeric value.
func IntegerValue(v int64) Value { return Value{Kind: KindInteger, Integer: v} }

// TagValue builds an exact-match label value.
func TagValue(s string) Value { return Value{Kind: KindTag, Text: s} }

// RemoveValue clears a field in a commit request.
func RemoveValue() Value { return Value{Kind: KindRemove} }

// Document is one stored record. Tombstoned documents keep their id and
// writer bookkeeping but carry no fields or blob references.
type Document struct {
	Account    core.AccountID            `json:"a"`
	Collection core.Collection           `json:"c"`
	ID         core.DocumentID           `json:"d"`
	Fields     map[core.FieldID]Value    `json:"f,omitempty"`
	Blobs      []hash.Digest             `json:"b,omitempty"`
	Tombstone  bool                      `json:"x,omitempty"`

	// State is the collection change-state at which this revision was
	// committed. Cache entries capture it for strict version matching.
	State uint64 `json:"s"`

	// Writer bookkeeping for causal conflict resolution.
	WriterOrigin string             `json:"wo"`
	WriterSeq    core.SeqNum        `json:"ws"`
	WriterVV     core.VersionVector `json:"wv,omitempty"`
}

// Op is the kind of change a mutation log entry records.
type Op uint8

const (
	// OpUpsert creates or replaces document state.
	OpUpsert Op = iota + 1
	// OpDelete tombstones a document.
	OpDelete
)

// TermDelta is the indexing change a commit produced, recorded in the log
// entry so replay applies exactly the delta the origin computed.
type TermDelta struct {
	AddTerms     []FieldTermRef  `json:"at,omitempty"`
	RemoveTerms  []FieldTermRef  `json:"rt,omitempty"`
	AddValues    []FieldValueRef `json:"av,omitempty"`
	RemoveValues []FieldValueRef `json:"rv,omitempty"`
}

// FieldTermRef is one (field, term hash) pair in a term delta.
type FieldTermRef struct {
	Field core.FieldID  `json:"f"`
	Term  core.TermHash `json:"t"`
}

// FieldValueRef is one (field, sortable value) pair in a term delta.
type FieldValueRef struct {
	Field core.FieldID `json:"f"`
	Value uint64       `json:"v"`
}

// LogEntry is one committed change in the replicated mutation log.
// Entries are immutable once appended and are replayable idempotently:
// applying the same entry twice yields the same state.
type LogEntry struct {
	Origin string             `json:"o"`
	Seq    core.SeqNum        `json:"q"`
	VV     core.VersionVector `json:"vv"`

	Account    core.AccountID  `json:"a"`
	Collection core.Collection `json:"c"`
	Doc        core.DocumentID `json:"d"`

	Op     Op                     `json:"op"`
	Fields map[core.FieldID]Value `json:"f,omitempty"`
	Blobs  []hash.Digest          `json:"b,omitempty"`
	Delta  TermDelta              `json:"t"`

	// Membership piggybacks on the mutation log so it replicates with the
	// same ordering guarantees as data. Nil for data entries.
	Member *MemberChange `json:"m,omitempty"`
}

// MemberChange records a cluster membership transition in the log.
type MemberChange struct {
	Node    string `json:"n"`
	Addr    string `json:"a"`
	Removed bool   `json:"r,omitempty"`
}

// CommitRequest describes one document mutation.
type CommitRequest struct {
	Account    core.AccountID
	Collection core.Collection

	// Document is the target id; ignored when Create is set, in which
	// case a fresh id is allocated.
	Document core.DocumentID
	Create   bool

	// Fields to set; KindRemove values clear the field. Unmentioned
	// fields keep their committed value.
	Fields map[core.FieldID]Value

	// Blobs is the full set of blob references for the new revision.
	Blobs []hash.Digest
}

// CommitResult reports the outcome of a successful commit.
type CommitResult struct {
	Document core.DocumentID
	Seq      core.SeqNum
	State    uint64
}

// Change is one entry in the per-collection change log.
type Change struct {
	State     uint64            `json:"s"`
	Created   []core.DocumentID `json:"c,omitempty"`
	Updated   []core.DocumentID `json:"u,omitempty"`
	Destroyed []core.DocumentID `json:"d,omitempty"`
}
