package index

import (
	"context"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/internal/hash"
	"github.com/xet7/jmap-server/nlp"
)

type filterKind uint8

const (
	kindTerm filterKind = iota
	kindRange
	kindAnd
	kindOr
	kindNot
)

// Filter is a boolean expression over terms and ordered fields.
// Build filters with the package constructors; the zero value matches
// nothing.
type Filter struct {
	kind filterKind

	field core.FieldID
	term  core.TermHash

	lo, hi uint64

	children []Filter
}

// Term matches documents whose field contains the exact normalized token.
// The token is hashed as-is; no stemming is applied.
func Term(field core.FieldID, token string) Filter {
	return Filter{kind: kindTerm, field: field, term: core.TermHash(hash.Term(token))}
}

// Text matches documents whose field contains every term produced by
// tokenizing text, using the same pipeline that indexed the documents.
// Stemmed query terms therefore match stemmed postings.
func Text(field core.FieldID, text string, lang nlp.Language) Filter {
	var children []Filter
	for tok := range nlp.Tokenize(text, lang) {
		children = append(children, Term(field, tok.Term))
	}
	if len(children) == 0 {
		// Tokenized to nothing; matches nothing.
		return Filter{kind: kindOr}
	}
	if len(children) == 1 {
		return children[0]
	}
	return Filter{kind: kindAnd, children: children}
}

// Range matches documents whose ordered field value lies in [lo, hi].
// Values use the same sortable encoding as indexing (see SortableInt).
func Range(field core.FieldID, lo, hi uint64) Filter {
	return Filter{kind: kindRange, field: field, lo: lo, hi: hi}
}

// Ge matches values >= lo.
func Ge(field core.FieldID, lo uint64) Filter { return Range(field, lo, math.MaxUint64) }

// Le matches values <= hi.
func Le(field core.FieldID, hi uint64) Filter { return Range(field, 0, hi) }

// And matches documents satisfying every child filter.
func And(children ...Filter) Filter {
	if len(children) == 1 {
		return children[0]
	}
	return Filter{kind: kindAnd, children: children}
}

// Or matches documents satisfying any child filter.
func Or(children ...Filter) Filter {
	if len(children) == 1 {
		return children[0]
	}
	return Filter{kind: kindOr, children: children}
}

// Not matches documents not satisfying the child filter. Tombstoned
// documents never match.
func Not(child Filter) Filter {
	return Filter{kind: kindNot, children: []Filter{child}}
}

// SortableInt encodes a signed integer so that unsigned ordering of the
// encoding matches signed ordering of the value. Ordered fields index and
// query through this encoding.
func SortableInt(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

// Fingerprint returns a stable 64-bit identity for the filter expression.
// Structurally identical filters produce the same fingerprint, so it can
// key cached query results.
func (f Filter) Fingerprint() uint64 {
	parts := []uint64{
		uint64(f.kind),
		uint64(f.field),
		uint64(f.term),
		f.lo,
		f.hi,
		uint64(len(f.children)),
	}
	for _, c := range f.children {
		parts = append(parts, c.Fingerprint())
	}
	return hash.Fingerprint(parts...)
}

// Query evaluates filter against the postings of (account, collection) and
// returns the bitmap of matching document ids. A filter over a field with
// no postings yields an empty result, not an error. Queries never mutate
// state; ctx cancellation aborts evaluation before materialization.
func (ix *Index) Query(ctx context.Context, account core.AccountID, collection core.Collection, filter Filter) (*roaring.Bitmap, error) {
	return ix.eval(ctx, account, collection, filter)
}

func (ix *Index) eval(ctx context.Context, account core.AccountID, collection core.Collection, f Filter) (*roaring.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch f.kind {
	case kindTerm:
		b := ix.posting(postingKey{account, collection, f.field, f.term})
		if b == nil {
			return roaring.New(), nil
		}
		return b, nil

	case kindRange:
		of := ix.orderedFor(orderedKey{account, collection, f.field}, false)
		if of == nil {
			return roaring.New(), nil
		}
		return of.rangeUnion(f.lo, f.hi), nil

	case kindAnd:
		if len(f.children) == 0 {
			return roaring.New(), nil
		}
		parts := make([]*roaring.Bitmap, 0, len(f.children))
		for _, c := range f.children {
			b, err := ix.eval(ctx, account, collection, c)
			if err != nil {
				return nil, err
			}
			if b.IsEmpty() {
				return roaring.New(), nil
			}
			parts = append(parts, b)
		}
		// Intersect smallest-first to bound the working set.
		sort.Slice(parts, func(i, j int) bool {
			return parts[i].GetCardinality() < parts[j].GetCardinality()
		})
		out := parts[0]
		for _, b := range parts[1:] {
			out.And(b)
			if out.IsEmpty() {
				break
			}
		}
		return out, nil

	case kindOr:
		if len(f.children) == 0 {
			return roaring.New(), nil
		}
		parts := make([]*roaring.Bitmap, 0, len(f.children))
		for _, c := range f.children {
			b, err := ix.eval(ctx, account, collection, c)
			if err != nil {
				return nil, err
			}
			parts = append(parts, b)
		}
		return roaring.FastOr(parts...), nil

	case kindNot:
		inner, err := ix.eval(ctx, account, collection, f.children[0])
		if err != nil {
			return nil, err
		}
		out := ix.All(account, collection)
		out.AndNot(inner)
		return out, nil

	default:
		return roaring.New(), nil
	}
}
