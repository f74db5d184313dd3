package index

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/internal/hash"
)

// numShards is the number of posting lock stripes. Must be a power of two.
const numShards = 64

// postingKey addresses one posting bitmap.
type postingKey struct {
	Account    core.AccountID
	Collection core.Collection
	Field      core.FieldID
	Term       core.TermHash
}

func (k postingKey) shard() uint64 {
	return hash.Fingerprint(uint64(k.Account), uint64(k.Collection)<<8|uint64(k.Field), uint64(k.Term)) & (numShards - 1)
}

// orderedKey addresses the sorted value index of one ordered field.
type orderedKey struct {
	Account    core.AccountID
	Collection core.Collection
	Field      core.FieldID
}

// scopeKey addresses the existence bitmap of one (account, collection).
type scopeKey struct {
	Account    core.AccountID
	Collection core.Collection
}

type postingShard struct {
	mu       sync.RWMutex
	postings map[postingKey]*roaring.Bitmap
}

// orderedField keeps the distinct values of one ordered field sorted, so a
// range query can union the bitmaps of all values inside the bounds.
type orderedField struct {
	mu      sync.RWMutex
	values  []uint64 // sorted ascending
	bitmaps map[uint64]*roaring.Bitmap
}

// Index is the in-memory compressed bitmap index.
type Index struct {
	shards [numShards]postingShard

	orderedMu sync.RWMutex
	ordered   map[orderedKey]*orderedField

	scopeMu sync.RWMutex
	scopes  map[scopeKey]*roaring.Bitmap
}

// New creates an empty index.
func New() *Index {
	ix := &Index{
		ordered: make(map[orderedKey]*orderedField),
		scopes:  make(map[scopeKey]*roaring.Bitmap),
	}
	for i := range ix.shards {
		ix.shards[i].postings = make(map[postingKey]*roaring.Bitmap)
	}
	return ix
}

// FieldTerm is one (field, term) association in a delta.
type FieldTerm struct {
	Field core.FieldID
	Term  core.TermHash
}

// FieldValue is one (field, ordered value) association in a delta.
type FieldValue struct {
	Field core.FieldID
	Value uint64
}

// Delta is the full set of index changes produced by one document commit.
// Additions and removals are disjoint; the commit path computes them from
// the previous and next field state, never from an interleaving.
type Delta struct {
	Doc core.DocumentID

	AddTerms    []FieldTerm
	RemoveTerms []FieldTerm

	AddValues    []FieldValue
	RemoveValues []FieldValue

	// Tombstone removes the document from the existence bitmap, so NOT
	// queries and full scans stop matching it.
	Tombstone bool
}

// Apply applies one commit's delta. Postings are grouped per lock shard so
// unrelated terms update independently; within a posting, readers observe
// either the old or the new bitmap.
func (ix *Index) Apply(account core.AccountID, collection core.Collection, d Delta) {
	type shardOp struct {
		key    postingKey
		remove bool
	}
	byShard := make(map[uint64][]shardOp, 8)
	for _, ft := range d.AddTerms {
		k := postingKey{account, collection, ft.Field, ft.Term}
		byShard[k.shard()] = append(byShard[k.shard()], shardOp{key: k})
	}
	for _, ft := range d.RemoveTerms {
		k := postingKey{account, collection, ft.Field, ft.Term}
		byShard[k.shard()] = append(byShard[k.shard()], shardOp{key: k, remove: true})
	}

	for s, ops := range byShard {
		sh := &ix.shards[s]
		sh.mu.Lock()
		for _, op := range ops {
			if op.remove {
				if b, ok := sh.postings[op.key]; ok {
					b.Remove(uint32(d.Doc))
					if b.IsEmpty() {
						delete(sh.postings, op.key)
					}
				}
				continue
			}
			b, ok := sh.postings[op.key]
			if !ok {
				b = roaring.New()
				sh.postings[op.key] = b
			}
			b.Add(uint32(d.Doc))
		}
		sh.mu.Unlock()
	}

	for _, fv := range d.AddValues {
		ix.orderedFor(orderedKey{account, collection, fv.Field}, true).add(fv.Value, d.Doc)
	}
	for _, fv := range d.RemoveValues {
		if of := ix.orderedFor(orderedKey{account, collection, fv.Field}, false); of != nil {
			of.remove(fv.Value, d.Doc)
		}
	}

	if d.Tombstone {
		ix.scopeRemove(account, collection, d.Doc)
	} else {
		ix.scopeAdd(account, collection, d.Doc)
	}
}

// AddDocument records document existence without any postings. Documents
// with no indexed fields still participate in NOT queries and scans.
func (ix *Index) AddDocument(account core.AccountID, collection core.Collection, doc core.DocumentID) {
	ix.scopeAdd(account, collection, doc)
}

// posting returns a point-in-time copy of one posting bitmap, or nil when
// the posting has no documents.
func (ix *Index) posting(k postingKey) *roaring.Bitmap {
	sh := &ix.shards[k.shard()]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if b, ok := sh.postings[k]; ok {
		return b.Clone()
	}
	return nil
}

// All returns a copy of the existence bitmap for (account, collection).
// Tombstoned documents are absent.
func (ix *Index) All(account core.AccountID, collection core.Collection) *roaring.Bitmap {
	ix.scopeMu.RLock()
	defer ix.scopeMu.RUnlock()
	if b, ok := ix.scopes[scopeKey{account, collection}]; ok {
		return b.Clone()
	}
	return roaring.New()
}

func (ix *Index) scopeAdd(account core.AccountID, collection core.Collection, doc core.DocumentID) {
	ix.scopeMu.Lock()
	defer ix.scopeMu.Unlock()
	k := scopeKey{account, collection}
	b, ok := ix.scopes[k]
	if !ok {
		b = roaring.New()
		ix.scopes[k] = b
	}
	b.Add(uint32(doc))
}

func (ix *Index) scopeRemove(account core.AccountID, collection core.Collection, doc core.DocumentID) {
	ix.scopeMu.Lock()
	defer ix.scopeMu.Unlock()
	if b, ok := ix.scopes[scopeKey{account, collection}]; ok {
		b.Remove(uint32(doc))
	}
}

func (ix *Index) orderedFor(k orderedKey, create bool) *orderedField {
	ix.orderedMu.RLock()
	of, ok := ix.ordered[k]
	ix.orderedMu.RUnlock()
	if ok || !create {
		return of
	}
	ix.orderedMu.Lock()
	defer ix.orderedMu.Unlock()
	if of, ok = ix.ordered[k]; ok {
		return of
	}
	of = &orderedField{bitmaps: make(map[uint64]*roaring.Bitmap)}
	ix.ordered[k] = of
	return of
}

func (of *orderedField) add(value uint64, doc core.DocumentID) {
	of.mu.Lock()
	defer of.mu.Unlock()
	b, ok := of.bitmaps[value]
	if !ok {
		b = roaring.New()
		of.bitmaps[value] = b
		i := sort.Search(len(of.values), func(i int) bool { return of.values[i] >= value })
		of.values = append(of.values, 0)
		copy(of.values[i+1:], of.values[i:])
		of.values[i] = value
	}
	b.Add(uint32(doc))
}

func (of *orderedField) remove(value uint64, doc core.DocumentID) {
	of.mu.Lock()
	defer of.mu.Unlock()
	b, ok := of.bitmaps[value]
	if !ok {
		return
	}
	b.Remove(uint32(doc))
	if b.IsEmpty() {
		delete(of.bitmaps, value)
		i := sort.Search(len(of.values), func(i int) bool { return of.values[i] >= value })
		if i < len(of.values) && of.values[i] == value {
			of.values = append(of.values[:i], of.values[i+1:]...)
		}
	}
}

// rangeUnion returns the union of all value bitmaps inside [lo, hi].
func (of *orderedField) rangeUnion(lo, hi uint64) *roaring.Bitmap {
	of.mu.RLock()
	defer of.mu.RUnlock()
	start := sort.Search(len(of.values), func(i int) bool { return of.values[i] >= lo })
	parts := make([]*roaring.Bitmap, 0, 4)
	for i := start; i < len(of.values) && of.values[i] <= hi; i++ {
		parts = append(parts, of.bitmaps[of.values[i]])
	}
	if len(parts) == 0 {
		return roaring.New()
	}
	return roaring.FastOr(parts...)
}

// PostingCount reports the number of live postings. Intended for metrics
// and tests.
func (ix *Index) PostingCount() int {
	n := 0
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		n += len(sh.postings)
		sh.mu.RUnlock()
	}
	return n
}

// Reset discards all postings. Used before a rebuild from the document
// store.
func (ix *Index) Reset() {
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.Lock()
		sh.postings = make(map[postingKey]*roaring.Bitmap)
		sh.mu.Unlock()
	}
	ix.orderedMu.Lock()
	ix.ordered = make(map[orderedKey]*orderedField)
	ix.orderedMu.Unlock()
	ix.scopeMu.Lock()
	ix.scopes = make(map[scopeKey]*roaring.Bitmap)
	ix.scopeMu.Unlock()
}
