package index

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/internal/hash"
	"github.com/xet7/jmap-server/nlp"
)

const (
	testAccount    = core.AccountID(1)
	testCollection = core.Collection(1)
	fieldBody      = core.FieldID(1)
	fieldSize      = core.FieldID(2)
)

func termDelta(doc core.DocumentID, terms ...string) Delta {
	d := Delta{Doc: doc}
	for _, t := range terms {
		d.AddTerms = append(d.AddTerms, FieldTerm{Field: fieldBody, Term: core.TermHash(hash.Term(t))})
	}
	return d
}

func queryIDs(t *testing.T, ix *Index, f Filter) []uint32 {
	t.Helper()
	b, err := ix.Query(context.Background(), testAccount, testCollection, f)
	require.NoError(t, err)
	return b.ToArray()
}

func TestQueryNoFalseNegatives(t *testing.T) {
	ix := New()
	ix.Apply(testAccount, testCollection, termDelta(1, "alpha", "beta"))
	ix.Apply(testAccount, testCollection, termDelta(2, "beta", "gamma"))
	ix.Apply(testAccount, testCollection, termDelta(3, "gamma"))

	assert.Equal(t, []uint32{1}, queryIDs(t, ix, Term(fieldBody, "alpha")))
	assert.Equal(t, []uint32{1, 2}, queryIDs(t, ix, Term(fieldBody, "beta")))
	assert.Equal(t, []uint32{2, 3}, queryIDs(t, ix, Term(fieldBody, "gamma")))
}

func TestQueryBooleanAlgebra(t *testing.T) {
	ix := New()
	ix.Apply(testAccount, testCollection, termDelta(1, "alpha", "beta"))
	ix.Apply(testAccount, testCollection, termDelta(2, "beta", "gamma"))
	ix.Apply(testAccount, testCollection, termDelta(3, "gamma"))

	tests := []struct {
		name   string
		filter Filter
		want   []uint32
	}{
		{"and", And(Term(fieldBody, "alpha"), Term(fieldBody, "beta")), []uint32{1}},
		{"or", Or(Term(fieldBody, "alpha"), Term(fieldBody, "gamma")), []uint32{1, 2, 3}},
		{"not", Not(Term(fieldBody, "beta")), []uint32{3}},
		{"and not", And(Term(fieldBody, "gamma"), Not(Term(fieldBody, "beta"))), []uint32{3}},
		{"empty and", And(), nil},
		{"nested", Or(And(Term(fieldBody, "alpha"), Term(fieldBody, "gamma")), Term(fieldBody, "beta")), []uint32{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := queryIDs(t, ix, tt.filter)
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestQueryUnknownFieldReturnsEmpty(t *testing.T) {
	ix := New()
	ix.Apply(testAccount, testCollection, termDelta(1, "alpha"))

	b, err := ix.Query(context.Background(), testAccount, testCollection, Term(core.FieldID(99), "alpha"))
	require.NoError(t, err)
	assert.True(t, b.IsEmpty(), "unindexed field must yield empty result, not error")

	b, err = ix.Query(context.Background(), testAccount, core.Collection(42), Term(fieldBody, "alpha"))
	require.NoError(t, err)
	assert.True(t, b.IsEmpty())
}

func TestQueryRange(t *testing.T) {
	ix := New()
	for doc, size := range map[core.DocumentID]int64{1: 100, 2: 250, 3: 500, 4: -10} {
		ix.Apply(testAccount, testCollection, Delta{
			Doc:       doc,
			AddValues: []FieldValue{{Field: fieldSize, Value: SortableInt(size)}},
		})
	}

	got := queryIDs(t, ix, Range(fieldSize, SortableInt(100), SortableInt(300)))
	assert.Equal(t, []uint32{1, 2}, got)

	got = queryIDs(t, ix, Ge(fieldSize, SortableInt(0)))
	assert.Equal(t, []uint32{1, 2, 3}, got)

	got = queryIDs(t, ix, Le(fieldSize, SortableInt(0)))
	assert.Equal(t, []uint32{4}, got)
}

func TestApplyRemoveTerms(t *testing.T) {
	ix := New()
	ix.Apply(testAccount, testCollection, termDelta(1, "alpha", "beta"))

	ix.Apply(testAccount, testCollection, Delta{
		Doc:         1,
		RemoveTerms: []FieldTerm{{Field: fieldBody, Term: core.TermHash(hash.Term("alpha"))}},
	})
	assert.Empty(t, queryIDs(t, ix, Term(fieldBody, "alpha")))
	assert.Equal(t, []uint32{1}, queryIDs(t, ix, Term(fieldBody, "beta")))
}

func TestTombstoneExcludedEverywhere(t *testing.T) {
	ix := New()
	ix.Apply(testAccount, testCollection, termDelta(1, "alpha"))
	ix.Apply(testAccount, testCollection, termDelta(2, "beta"))

	ix.Apply(testAccount, testCollection, Delta{
		Doc:         1,
		RemoveTerms: []FieldTerm{{Field: fieldBody, Term: core.TermHash(hash.Term("alpha"))}},
		Tombstone:   true,
	})

	assert.Empty(t, queryIDs(t, ix, Term(fieldBody, "alpha")))
	assert.Equal(t, []uint32{2}, queryIDs(t, ix, Not(Term(fieldBody, "alpha"))),
		"tombstoned ids must not reappear through NOT")
}

func TestTextFilterStemsLikeIndexing(t *testing.T) {
	ix := New()
	d := Delta{Doc: 1}
	for tok := range nlp.Tokenize("running fast", nlp.LangEnglish) {
		d.AddTerms = append(d.AddTerms, FieldTerm{Field: fieldBody, Term: core.TermHash(hash.Term(tok.Term))})
	}
	ix.Apply(testAccount, testCollection, d)

	got := queryIDs(t, ix, Text(fieldBody, "run", nlp.LangEnglish))
	assert.Equal(t, []uint32{1}, got)
}

func TestQueryRanked(t *testing.T) {
	ix := New()
	// "rare" appears in one document, "common" in three.
	ix.Apply(testAccount, testCollection, termDelta(1, "common"))
	ix.Apply(testAccount, testCollection, termDelta(2, "common", "rare"))
	ix.Apply(testAccount, testCollection, termDelta(3, "common"))

	ids, err := ix.QueryRanked(context.Background(), testAccount, testCollection,
		Or(Term(fieldBody, "common"), Term(fieldBody, "rare")), 0)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, core.DocumentID(2), ids[0], "document matching the rarer term ranks first")
	assert.Equal(t, []core.DocumentID{1, 3}, ids[1:], "ties break on ascending id")
}

func TestQueryCancellation(t *testing.T) {
	ix := New()
	ix.Apply(testAccount, testCollection, termDelta(1, "alpha"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ix.Query(ctx, testAccount, testCollection, Term(fieldBody, "alpha"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentApplyAndQuery(t *testing.T) {
	ix := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				doc := core.DocumentID(w*100 + i + 1)
				ix.Apply(testAccount, testCollection, termDelta(doc, "shared"))
				_, err := ix.Query(context.Background(), testAccount, testCollection, Term(fieldBody, "shared"))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	got := queryIDs(t, ix, Term(fieldBody, "shared"))
	assert.Len(t, got, 800)
}
