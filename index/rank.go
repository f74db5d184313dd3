package index

import (
	"context"
	"math"
	"sort"

	"github.com/xet7/jmap-server/core"
)

// QueryRanked evaluates filter and returns matching document ids ordered
// by relevance instead of ascending id.
//
// Scoring is term-frequency weighted over the matched postings: each
// positive term leaf of the filter contributes an inverse-document-
// frequency weight to every matching document, so documents matching rarer
// query terms rank higher. Ties break on ascending id to keep results
// deterministic. limit <= 0 returns all matches.
func (ix *Index) QueryRanked(ctx context.Context, account core.AccountID, collection core.Collection, filter Filter, limit int) ([]core.DocumentID, error) {
	result, err := ix.eval(ctx, account, collection, filter)
	if err != nil {
		return nil, err
	}
	if result.IsEmpty() {
		return nil, nil
	}

	scores := make(map[uint32]float64, result.GetCardinality())
	it := result.Iterator()
	for it.HasNext() {
		scores[it.Next()] = 0
	}

	var walk func(f Filter, negated bool)
	walk = func(f Filter, negated bool) {
		switch f.kind {
		case kindTerm:
			if negated {
				return
			}
			b := ix.posting(postingKey{account, collection, f.field, f.term})
			if b == nil {
				return
			}
			weight := 1 / math.Log2(2+float64(b.GetCardinality()))
			pit := b.Iterator()
			for pit.HasNext() {
				id := pit.Next()
				if _, ok := scores[id]; ok {
					scores[id] += weight
				}
			}
		case kindNot:
			walk(f.children[0], !negated)
		case kindAnd, kindOr:
			for _, c := range f.children {
				walk(c, negated)
			}
		}
	}
	walk(filter, false)

	ids := make([]core.DocumentID, 0, len(scores))
	for id := range scores {
		ids = append(ids, core.DocumentID(id))
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := scores[uint32(ids[i])], scores[uint32(ids[j])]
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
