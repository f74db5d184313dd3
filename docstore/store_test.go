package docstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xet7/jmap-server/blob"
	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/index"
	"github.com/xet7/jmap-server/nlp"
)

const (
	testAccount = core.AccountID(1)
	testMail    = core.Collection(3)

	fieldSubject = core.FieldID(1)
	fieldBody    = core.FieldID(2)
	fieldSize    = core.FieldID(3)
	fieldFlag    = core.FieldID(4)
)

type env struct {
	store *Store
	ix    *index.Index
	blobs *blob.MemoryStore
}

func newEnv(t *testing.T, nodeID string) *env {
	t.Helper()
	ix := index.New()
	blobs := blob.NewMemoryStore()
	s, err := Open(Options{InMemory: true, NodeID: nodeID}, ix, blobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &env{store: s, ix: ix, blobs: blobs}
}

func TestCommitCreateAndGet(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	res, err := e.store.Commit(ctx, CommitRequest{
		Account:    testAccount,
		Collection: testMail,
		Create:     true,
		Fields: map[core.FieldID]Value{
			fieldSubject: TextValue("Quarterly planning meeting", nlp.LangEnglish),
			fieldSize:    IntegerValue(2048),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.DocumentID(1), res.Document)
	assert.Equal(t, core.SeqNum(1), res.Seq)
	assert.Equal(t, uint64(1), res.State)

	doc, err := e.store.Get(testAccount, testMail, res.Document)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly planning meeting", doc.Fields[fieldSubject].Text)
	assert.Equal(t, int64(2048), doc.Fields[fieldSize].Integer)
	assert.Equal(t, "node-a", doc.WriterOrigin)
}

func TestCommitIndexesText(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	res, err := e.store.Commit(ctx, CommitRequest{
		Account:    testAccount,
		Collection: testMail,
		Create:     true,
		Fields: map[core.FieldID]Value{
			fieldBody: TextValue("The meetings were running late", nlp.LangEnglish),
		},
	})
	require.NoError(t, err)

	// Stemmed token matches a differently inflected query.
	bm, err := e.ix.Query(ctx, testAccount, testMail, index.Text(fieldBody, "meeting", nlp.LangEnglish))
	require.NoError(t, err)
	assert.True(t, bm.Contains(uint32(res.Document)))

	bm, err = e.ix.Query(ctx, testAccount, testMail, index.Text(fieldBody, "budget", nlp.LangEnglish))
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty())
}

func TestCommitUpdateReindexes(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	res, err := e.store.Commit(ctx, CommitRequest{
		Account:    testAccount,
		Collection: testMail,
		Create:     true,
		Fields: map[core.FieldID]Value{
			fieldSubject: TextValue("draft invoice", nlp.LangEnglish),
			fieldFlag:    TagValue("draft"),
		},
	})
	require.NoError(t, err)

	_, err = e.store.Commit(ctx, CommitRequest{
		Account:    testAccount,
		Collection: testMail,
		Document:   res.Document,
		Fields: map[core.FieldID]Value{
			fieldSubject: TextValue("final invoice", nlp.LangEnglish),
			fieldFlag:    RemoveValue(),
		},
	})
	require.NoError(t, err)

	bm, err := e.ix.Query(ctx, testAccount, testMail, index.Text(fieldSubject, "draft", nlp.LangEnglish))
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty(), "stale postings must be removed")

	bm, err = e.ix.Query(ctx, testAccount, testMail, index.Text(fieldSubject, "final", nlp.LangEnglish))
	require.NoError(t, err)
	assert.True(t, bm.Contains(uint32(res.Document)))

	bm, err = e.ix.Query(ctx, testAccount, testMail, index.Term(fieldFlag, "draft"))
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty(), "removed field must drop its postings")

	// Unmentioned fields carry over.
	doc, err := e.store.Get(testAccount, testMail, res.Document)
	require.NoError(t, err)
	_, hasFlag := doc.Fields[fieldFlag]
	assert.False(t, hasFlag)
}

func TestDeleteTombstones(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	res, err := e.store.Commit(ctx, CommitRequest{
		Account:    testAccount,
		Collection: testMail,
		Create:     true,
		Fields:     map[core.FieldID]Value{fieldSubject: TextValue("hello", nlp.LangEnglish)},
	})
	require.NoError(t, err)

	_, err = e.store.Delete(ctx, testAccount, testMail, res.Document)
	require.NoError(t, err)

	_, err = e.store.Get(testAccount, testMail, res.Document)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice reports not found.
	_, err = e.store.Delete(ctx, testAccount, testMail, res.Document)
	assert.ErrorIs(t, err, ErrNotFound)

	// The id is never reused.
	res2, err := e.store.Commit(ctx, CommitRequest{
		Account:    testAccount,
		Collection: testMail,
		Create:     true,
		Fields:     map[core.FieldID]Value{fieldSubject: TextValue("again", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	assert.Greater(t, res2.Document, res.Document)
}

func TestUpdateMissingDocument(t *testing.T) {
	e := newEnv(t, "node-a")
	_, err := e.store.Commit(context.Background(), CommitRequest{
		Account:    testAccount,
		Collection: testMail,
		Document:   42,
		Fields:     map[core.FieldID]Value{fieldSubject: TextValue("x", nlp.LangEnglish)},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChangesSince(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	a, err := e.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("one", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	b, err := e.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("two", nlp.LangEnglish)},
	})
	require.NoError(t, err)

	mid := e.store.State(testAccount, testMail)

	_, err = e.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Document: a.Document,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("one updated", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	c, err := e.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("three", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	_, err = e.store.Delete(ctx, testAccount, testMail, b.Document)
	require.NoError(t, err)

	ch, err := e.store.ChangesSince(testAccount, testMail, mid)
	require.NoError(t, err)
	assert.Equal(t, []core.DocumentID{c.Document}, ch.Created)
	assert.Equal(t, []core.DocumentID{a.Document}, ch.Updated)
	assert.Equal(t, []core.DocumentID{b.Document}, ch.Destroyed)

	// Created-then-destroyed inside the window cancels out.
	d, err := e.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("ephemeral", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	before := ch.State
	_, err = e.store.Delete(ctx, testAccount, testMail, d.Document)
	require.NoError(t, err)

	ch, err = e.store.ChangesSince(testAccount, testMail, before)
	require.NoError(t, err)
	assert.Empty(t, ch.Created)
	assert.Empty(t, ch.Destroyed)

	// Up to date callers get an empty summary.
	ch, err = e.store.ChangesSince(testAccount, testMail, ch.State)
	require.NoError(t, err)
	assert.Empty(t, ch.Created)
	assert.Empty(t, ch.Updated)
	assert.Empty(t, ch.Destroyed)
}

func TestChangesCompaction(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.store.Commit(ctx, CommitRequest{
			Account: testAccount, Collection: testMail, Create: true,
			Fields: map[core.FieldID]Value{fieldSubject: TextValue(fmt.Sprintf("msg %d", i), nlp.LangEnglish)},
		})
		require.NoError(t, err)
	}

	n, err := e.store.CompactChanges(testAccount, testMail, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = e.store.ChangesSince(testAccount, testMail, 1)
	assert.ErrorIs(t, err, ErrStateTooOld)

	ch, err := e.store.ChangesSince(testAccount, testMail, 3)
	require.NoError(t, err)
	assert.Len(t, ch.Created, 2)
}

func commitLog(t *testing.T, e *env, n int) []*LogEntry {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := e.store.Commit(ctx, CommitRequest{
			Account: testAccount, Collection: testMail, Create: true,
			Fields: map[core.FieldID]Value{
				fieldSubject: TextValue(fmt.Sprintf("message number %d", i), nlp.LangEnglish),
				fieldSize:    IntegerValue(int64(100 * i)),
			},
		})
		require.NoError(t, err)
	}
	entries, err := e.store.Entries(e.store.NodeID(), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, n)
	return entries
}

func TestReplicationApply(t *testing.T) {
	a := newEnv(t, "node-a")
	b := newEnv(t, "node-b")
	ctx := context.Background()

	entries := commitLog(t, a, 3)
	for _, entry := range entries {
		require.NoError(t, b.store.Apply(ctx, entry))
	}

	// Converged: same documents, same applied vector for node-a.
	assert.Equal(t, core.SeqNum(3), b.store.Applied("node-a"))
	for id := core.DocumentID(1); id <= 3; id++ {
		da, err := a.store.Get(testAccount, testMail, id)
		require.NoError(t, err)
		db, err := b.store.Get(testAccount, testMail, id)
		require.NoError(t, err)
		assert.Equal(t, da.Fields, db.Fields)
	}

	// Replica index answers the same query.
	bm, err := b.ix.Query(ctx, testAccount, testMail, index.Text(fieldSubject, "message", nlp.LangEnglish))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), bm.GetCardinality())
}

func TestApplyIdempotentAndGap(t *testing.T) {
	a := newEnv(t, "node-a")
	b := newEnv(t, "node-b")
	ctx := context.Background()

	entries := commitLog(t, a, 3)

	require.NoError(t, b.store.Apply(ctx, entries[0]))
	require.NoError(t, b.store.Apply(ctx, entries[0])) // duplicate: no-op
	assert.Equal(t, core.SeqNum(1), b.store.Applied("node-a"))

	err := b.store.Apply(ctx, entries[2]) // skips seq 2
	assert.ErrorIs(t, err, ErrSeqGap)
	assert.Equal(t, core.SeqNum(1), b.store.Applied("node-a"))

	require.NoError(t, b.store.Apply(ctx, entries[1]))
	require.NoError(t, b.store.Apply(ctx, entries[2]))
	assert.Equal(t, core.SeqNum(3), b.store.Applied("node-a"))
}

func TestDuplicateDeliveryDoesNotRecommit(t *testing.T) {
	// A push and a catch-up replay can deliver the same entry twice, with
	// the second delivery reading the applied high-water mark before the
	// first one commits. Once the stored revision is the entry's own, the
	// straggler must lose conflict resolution, not re-commit: re-applying
	// would bump the change state and log a spurious Updated change.
	a := newEnv(t, "node-a")
	b := newEnv(t, "node-b")
	ctx := context.Background()

	entries := commitLog(t, a, 1)
	entry := entries[0]
	require.NoError(t, b.store.Apply(ctx, entry))
	stateAfter := b.store.State(testAccount, testMail)

	prev, err := b.store.Get(testAccount, testMail, entry.Doc)
	require.NoError(t, err)
	assert.Equal(t, entry.Origin, prev.WriterOrigin)
	assert.Equal(t, entry.Seq, prev.WriterSeq)
	assert.False(t, b.store.remoteWins(prev, entry), "an already-applied revision must beat its own duplicate")

	require.NoError(t, b.store.Apply(ctx, entry))
	assert.Equal(t, stateAfter, b.store.State(testAccount, testMail), "duplicate delivery must not advance the change state")

	changes, err := b.store.ChangesSince(testAccount, testMail, 0)
	require.NoError(t, err)
	assert.Len(t, changes.Created, 1)
	assert.Empty(t, changes.Updated, "duplicate delivery must not record an update")
}

func TestConcurrentConflictConverges(t *testing.T) {
	// Both nodes update the same document without having seen the other's
	// write. The higher (seq, origin) revision must win on both.
	a := newEnv(t, "node-a")
	b := newEnv(t, "node-b")
	ctx := context.Background()

	seed := commitLog(t, a, 1)
	require.NoError(t, b.store.Apply(ctx, seed[0]))

	_, err := a.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Document: 1,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("version from a", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	_, err = b.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Document: 1,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("version from b", nlp.LangEnglish)},
	})
	require.NoError(t, err)

	aEntries, err := a.store.Entries("node-a", 1, 0)
	require.NoError(t, err)
	bEntries, err := b.store.Entries("node-b", 0, 0)
	require.NoError(t, err)
	require.Len(t, aEntries, 1)
	require.Len(t, bEntries, 1)

	require.NoError(t, b.store.Apply(ctx, aEntries[0]))
	require.NoError(t, a.store.Apply(ctx, bEntries[0]))

	da, err := a.store.Get(testAccount, testMail, 1)
	require.NoError(t, err)
	db, err := b.store.Get(testAccount, testMail, 1)
	require.NoError(t, err)
	assert.Equal(t, da.Fields[fieldSubject].Text, db.Fields[fieldSubject].Text)
	assert.Equal(t, da.WriterOrigin, db.WriterOrigin)

	// node-a's entry carries seq 2 against node-b's seq 1, so it orders
	// higher and wins on both nodes.
	assert.Equal(t, "node-a", da.WriterOrigin)
	assert.Equal(t, "version from a", da.Fields[fieldSubject].Text)
}

func TestCausalUpdateWins(t *testing.T) {
	a := newEnv(t, "node-a")
	b := newEnv(t, "node-b")
	ctx := context.Background()

	seed := commitLog(t, a, 1)
	require.NoError(t, b.store.Apply(ctx, seed[0]))

	// node-b updates after seeing node-a's revision: causally newer.
	_, err := b.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Document: 1,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("seen and updated", nlp.LangEnglish)},
	})
	require.NoError(t, err)

	bEntries, err := b.store.Entries("node-b", 0, 0)
	require.NoError(t, err)
	require.NoError(t, a.store.Apply(ctx, bEntries[0]))

	doc, err := a.store.Get(testAccount, testMail, 1)
	require.NoError(t, err)
	assert.Equal(t, "seen and updated", doc.Fields[fieldSubject].Text)
}

func TestRemoteCreateAdvancesAllocator(t *testing.T) {
	a := newEnv(t, "node-a")
	b := newEnv(t, "node-b")
	ctx := context.Background()

	entries := commitLog(t, a, 2)
	for _, entry := range entries {
		require.NoError(t, b.store.Apply(ctx, entry))
	}

	res, err := b.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("local on b", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	assert.Equal(t, core.DocumentID(3), res.Document)
}

func TestBlobRefCounts(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	d1, err := e.blobs.Put(ctx, []byte("attachment one"))
	require.NoError(t, err)
	d2, err := e.blobs.Put(ctx, []byte("attachment two"))
	require.NoError(t, err)

	res, err := e.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("with blobs", nlp.LangEnglish)},
		Blobs:  []Digest{d1, d2},
	})
	require.NoError(t, err)

	n, err := e.store.RefCount(d1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	// Second document shares d1.
	res2, err := e.store.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("shares a blob", nlp.LangEnglish)},
		Blobs:  []Digest{d1},
	})
	require.NoError(t, err)
	n, err = e.store.RefCount(d1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// Deleting the first document releases d2 but not d1.
	_, err = e.store.Delete(ctx, testAccount, testMail, res.Document)
	require.NoError(t, err)
	n, err = e.store.RefCount(d2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	// Sweep below the acknowledged floor removes d2 only.
	swept, err := e.store.SweepBlobs(ctx, e.store.MaxSeq())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	has, err := e.blobs.Has(ctx, d2)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = e.blobs.Has(ctx, d1)
	require.NoError(t, err)
	assert.True(t, has)

	// d1 survives the second document's deletion until after the sweep
	// floor passes the releasing commit.
	_, err = e.store.Delete(ctx, testAccount, testMail, res2.Document)
	require.NoError(t, err)
	swept, err = e.store.SweepBlobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	has, err = e.blobs.Has(ctx, d1)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestLogPrune(t *testing.T) {
	e := newEnv(t, "node-a")
	commitLog(t, e, 5)

	n, err := e.store.PruneLog(3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := e.store.Entries("node-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.SeqNum(4), entries[0].Seq)

	entries, err = e.store.Entries("node-a", 4, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.SeqNum(5), entries[0].Seq)
}

func TestRestoreAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ix := index.New()
	blobs := blob.NewMemoryStore()

	s, err := Open(Options{Path: dir, NodeID: "node-a"}, ix, blobs)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err = s.Commit(ctx, CommitRequest{
			Account: testAccount, Collection: testMail, Create: true,
			Fields: map[core.FieldID]Value{fieldSubject: TextValue(fmt.Sprintf("persisted %d", i), nlp.LangEnglish)},
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	ix2 := index.New()
	s2, err := Open(Options{Path: dir, NodeID: "node-a"}, ix2, blobs)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, core.SeqNum(3), s2.MaxSeq())
	assert.Equal(t, uint64(3), s2.State(testAccount, testMail))
	assert.Equal(t, core.SeqNum(3), s2.Applied("node-a"))

	// New commits continue the id and seq sequences.
	res, err := s2.Commit(ctx, CommitRequest{
		Account: testAccount, Collection: testMail, Create: true,
		Fields: map[core.FieldID]Value{fieldSubject: TextValue("after reopen", nlp.LangEnglish)},
	})
	require.NoError(t, err)
	assert.Equal(t, core.DocumentID(4), res.Document)
	assert.Equal(t, core.SeqNum(4), res.Seq)

	// Index rebuild restores derived state.
	require.NoError(t, s2.Rebuild(ctx, ix2))
	bm, err := ix2.Query(ctx, testAccount, testMail, index.Text(fieldSubject, "persisted", nlp.LangEnglish))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), bm.GetCardinality())
}

func TestConcurrentCommitsGapless(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := e.store.Commit(ctx, CommitRequest{
					Account: testAccount, Collection: testMail, Create: true,
					Fields: map[core.FieldID]Value{
						fieldSubject: TextValue(fmt.Sprintf("worker %d message %d", w, i), nlp.LangEnglish),
					},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries, err := e.store.Entries("node-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, workers*perWorker)
	for i, entry := range entries {
		assert.Equal(t, core.SeqNum(i+1), entry.Seq, "log must be gapless and ordered")
	}
}

func TestStateNeverLeadsIndex(t *testing.T) {
	e := newEnv(t, "node-a")
	ctx := context.Background()

	// Once a reader observes change state S, the index must already hold
	// the postings of every commit up to S. Each commit below tags one
	// doc, so the tag cardinality can never trail an observed state.
	const commits = 50
	done := make(chan struct{})
	var failed atomic.Bool
	go func() {
		defer close(done)
		for {
			s := e.store.State(testAccount, testMail)
			bm, err := e.ix.Query(ctx, testAccount, testMail, index.Term(fieldFlag, "inbox"))
			if err != nil || bm.GetCardinality() < s {
				failed.Store(true)
				return
			}
			if s >= commits {
				return
			}
		}
	}()

	for i := 0; i < commits; i++ {
		_, err := e.store.Commit(ctx, CommitRequest{
			Account: testAccount, Collection: testMail, Create: true,
			Fields: map[core.FieldID]Value{
				fieldFlag: TagValue("inbox"),
			},
		})
		require.NoError(t, err)
	}
	<-done
	assert.False(t, failed.Load(), "observed a published state before its index delta was applied")
}

func TestMembershipEntryReplicates(t *testing.T) {
	a := newEnv(t, "node-a")
	b := newEnv(t, "node-b")
	ctx := context.Background()

	var got []MemberChange
	b.store.OnMember(func(c MemberChange) { got = append(got, c) })

	entry, err := a.store.AppendMembership(MemberChange{Node: "node-c", Addr: "10.0.0.3:7700"})
	require.NoError(t, err)
	assert.Equal(t, core.SeqNum(1), entry.Seq)

	require.NoError(t, b.store.Apply(ctx, entry))
	require.Len(t, got, 1)
	assert.Equal(t, "node-c", got[0].Node)
	assert.Equal(t, core.SeqNum(1), b.store.Applied("node-a"))
}
