package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/index"
	"github.com/xet7/jmap-server/internal/hash"
	"github.com/xet7/jmap-server/nlp"
)

// Commit applies one local document mutation. The commit is all-or-nothing:
// field update, term-delta computation, index update, blob reference
// registration, and mutation-log append either all take effect or none do.
// Once the entry is durable in the local log the commit cannot be
// cancelled; it will complete and replicate.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	id := req.Document
	if req.Create {
		id = core.DocumentID(s.counter(s.nextID, scope{req.Account, req.Collection}).Add(1))
	}

	mu := s.docLock(req.Account, req.Collection, id)
	mu.Lock()
	defer mu.Unlock()

	var prev *Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		prev, err = readDoc(txn, req.Account, req.Collection, id)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}
	if !req.Create && (prev == nil || prev.Tombstone) {
		return CommitResult{}, fmt.Errorf("%w: %d/%d/%d", ErrNotFound, req.Account, req.Collection, id)
	}

	fields := mergeFields(prev, req.Fields)
	entry := &LogEntry{
		Account:    req.Account,
		Collection: req.Collection,
		Doc:        id,
		Op:         OpUpsert,
		Fields:     fields,
		Blobs:      req.Blobs,
	}

	res, err := s.commitEntry(entry, prev, true)
	if err != nil {
		return CommitResult{}, err
	}
	s.logger.Debug("commit applied",
		"account", req.Account, "collection", req.Collection, "doc", id,
		"seq", res.Seq, "state", res.State)
	return res, nil
}

// Delete tombstones a document. The id is never reused; storage
// reclamation is deferred to compaction.
func (s *Store) Delete(ctx context.Context, account core.AccountID, collection core.Collection, id core.DocumentID) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	mu := s.docLock(account, collection, id)
	mu.Lock()
	defer mu.Unlock()

	var prev *Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		prev, err = readDoc(txn, account, collection, id)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}
	if prev == nil || prev.Tombstone {
		return CommitResult{}, fmt.Errorf("%w: %d/%d/%d", ErrNotFound, account, collection, id)
	}

	entry := &LogEntry{
		Account:    account,
		Collection: collection,
		Doc:        id,
		Op:         OpDelete,
	}
	res, err := s.commitEntry(entry, prev, true)
	if err != nil {
		return CommitResult{}, err
	}
	s.logger.Debug("delete applied", "account", account, "collection", collection, "doc", id, "seq", res.Seq)
	return res, nil
}

// Apply re-executes a remote mutation on this node. It is idempotent on
// (origin, seq): entries at or below the applied high-water mark are
// acknowledged without effect. Out-of-order entries fail with ErrSeqGap so
// the replication layer can request the missing range.
func (s *Store) Apply(ctx context.Context, entry *LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Origin == s.nodeID {
		return nil
	}

	applied := s.Applied(entry.Origin)
	if entry.Seq <= applied {
		return nil // replayed duplicate
	}
	if entry.Seq != applied+1 {
		return fmt.Errorf("%w: origin %s got %d, want %d", ErrSeqGap, entry.Origin, entry.Seq, applied+1)
	}

	if entry.Member != nil {
		return s.applyMember(entry)
	}

	mu := s.docLock(entry.Account, entry.Collection, entry.Doc)
	mu.Lock()
	defer mu.Unlock()

	var prev *Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		prev, err = readDoc(txn, entry.Account, entry.Collection, entry.Doc)
		return err
	})
	if err != nil {
		return err
	}

	if !s.remoteWins(prev, entry) {
		// The local revision causally supersedes (or deterministically
		// beats) the remote one. Record the entry as seen so catch-up
		// stops re-sending it, but leave local state untouched.
		return s.recordSkipped(entry)
	}

	// Keep the local allocator ahead of remotely created ids so a later
	// local create cannot collide.
	if c := s.counter(s.nextID, scope{entry.Account, entry.Collection}); c.Load() < uint64(entry.Doc) {
		c.Store(uint64(entry.Doc))
	}

	if _, err := s.commitEntry(entry, prev, false); err != nil {
		return err
	}
	s.logger.Debug("remote entry applied", "origin", entry.Origin, "seq", entry.Seq, "doc", entry.Doc)
	return nil
}

// remoteWins decides whether a remote entry replaces the local revision.
// Causally newer entries always win. True concurrent writes resolve by the
// deterministic total order (seq, origin id), higher wins, so every node
// converges on the same revision without wall-clock comparison.
func (s *Store) remoteWins(prev *Document, entry *LogEntry) bool {
	if prev == nil || prev.WriterOrigin == "" {
		return true
	}
	if prev.WriterOrigin == entry.Origin && prev.WriterSeq >= entry.Seq {
		// prev already is this entry's revision (or a later one from the
		// same origin). A duplicate delivery racing past the applied
		// check must not re-commit: that would bump the change state and
		// append a spurious Updated record.
		return false
	}
	if entry.VV.Get(prev.WriterOrigin) >= uint64(prev.WriterSeq) {
		return true // remote had seen the local revision
	}
	if prev.WriterVV.Get(entry.Origin) >= uint64(entry.Seq) {
		return false // local revision had seen the remote one
	}
	if entry.Seq != prev.WriterSeq {
		return entry.Seq > prev.WriterSeq
	}
	return strings.Compare(entry.Origin, prev.WriterOrigin) > 0
}

// commitEntry performs the durable write for a local or remote entry, then
// applies the index delta and fires hooks. For local entries the sequence
// number and version vector are assigned under the append lock.
func (s *Store) commitEntry(entry *LogEntry, prev *Document, local bool) (CommitResult, error) {
	sc := scope{entry.Account, entry.Collection}

	s.commitMu.Lock()
	if local {
		entry.Origin = s.nodeID
		entry.Seq = core.SeqNum(s.seq.Load() + 1)
		s.vvMu.Lock()
		vv := s.vv.Clone()
		vv.Observe(s.nodeID, uint64(entry.Seq))
		s.vvMu.Unlock()
		entry.VV = vv
	}
	state := s.counter(s.nextState, sc).Load() + 1

	doc := &Document{
		Account:      entry.Account,
		Collection:   entry.Collection,
		ID:           entry.Doc,
		Fields:       entry.Fields,
		Blobs:        entry.Blobs,
		Tombstone:    entry.Op == OpDelete,
		State:        state,
		WriterOrigin: entry.Origin,
		WriterSeq:    entry.Seq,
		WriterVV:     entry.VV,
	}

	// The index delta is always recomputed against the local previous
	// revision: after a conflict the losing revision's postings must come
	// out, which the origin's recorded delta cannot know about.
	var nextFields map[core.FieldID]Value
	if !doc.Tombstone {
		nextFields = doc.Fields
	}
	ixDelta := computeDelta(prev, nextFields)
	ixDelta.Doc = entry.Doc
	ixDelta.Tombstone = doc.Tombstone
	if local {
		entry.Delta = toTermDelta(ixDelta)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := txn.Set(docKey(entry.Account, entry.Collection, entry.Doc), docBytes); err != nil {
			return err
		}

		entryBytes, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(logKey(entry.Origin, entry.Seq), entryBytes); err != nil {
			return err
		}
		if err := txn.Set(appliedKey(entry.Origin), encodeU64(uint64(entry.Seq))); err != nil {
			return err
		}
		if err := txn.Set(stateKey(entry.Account, entry.Collection), encodeU64(state)); err != nil {
			return err
		}

		change := changeFor(prev, doc, state)
		changeBytes, err := json.Marshal(change)
		if err != nil {
			return err
		}
		if err := txn.Set(changeKey(entry.Account, entry.Collection, state), changeBytes); err != nil {
			return err
		}

		return s.updateRefCounts(txn, prev, doc, entry.Seq)
	})
	if err != nil {
		s.commitMu.Unlock()
		return CommitResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	// With the entry durable, update the index before publishing the new
	// state. A reader that observes the state must find every posting the
	// commits up to it produced; a doc becoming queryable a moment before
	// its state is visible is harmless, the reverse caches false
	// negatives. Held under commitMu so a later commit cannot publish its
	// state while this delta is still in flight.
	s.ix.Apply(entry.Account, entry.Collection, ixDelta)

	if local {
		s.seq.Store(uint64(entry.Seq))
	}
	s.counter(s.nextState, sc).Store(state)
	s.vvMu.Lock()
	s.vv.Observe(entry.Origin, uint64(entry.Seq))
	s.vvMu.Unlock()
	s.commitMu.Unlock()

	if s.onCommitted != nil {
		s.onCommitted(entry, local)
	}
	return CommitResult{Document: entry.Doc, Seq: entry.Seq, State: state}, nil
}

// recordSkipped advances the applied mark for an entry whose change lost
// conflict resolution, without touching document state.
func (s *Store) recordSkipped(entry *LogEntry) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	// A duplicate delivery settling after later entries from its origin
	// must not move the durable mark backwards.
	s.vvMu.Lock()
	cur := s.vv.Get(entry.Origin)
	s.vvMu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		entryBytes, mErr := json.Marshal(entry)
		if mErr != nil {
			return mErr
		}
		if sErr := txn.Set(logKey(entry.Origin, entry.Seq), entryBytes); sErr != nil {
			return sErr
		}
		if uint64(entry.Seq) <= cur {
			return nil
		}
		return txn.Set(appliedKey(entry.Origin), encodeU64(uint64(entry.Seq)))
	})
	if err != nil {
		return err
	}
	s.vvMu.Lock()
	s.vv.Observe(entry.Origin, uint64(entry.Seq))
	s.vvMu.Unlock()
	return nil
}

// applyMember records a membership change entry and fires the hook.
func (s *Store) applyMember(entry *LogEntry) error {
	if err := s.recordSkipped(entry); err != nil {
		return err
	}
	if s.onMember != nil {
		s.onMember(*entry.Member)
	}
	return nil
}

// AppendMembership writes a membership transition into the local mutation
// log so it replicates with the same ordering as data mutations.
func (s *Store) AppendMembership(change MemberChange) (*LogEntry, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	entry := &LogEntry{
		Origin: s.nodeID,
		Seq:    core.SeqNum(s.seq.Load() + 1),
		Member: &change,
	}
	s.vvMu.Lock()
	vv := s.vv.Clone()
	vv.Observe(s.nodeID, uint64(entry.Seq))
	s.vvMu.Unlock()
	entry.VV = vv

	err := s.db.Update(func(txn *badger.Txn) error {
		entryBytes, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(logKey(entry.Origin, entry.Seq), entryBytes); err != nil {
			return err
		}
		return txn.Set(appliedKey(entry.Origin), encodeU64(uint64(entry.Seq)))
	})
	if err != nil {
		return nil, err
	}
	s.seq.Store(uint64(entry.Seq))
	s.vvMu.Lock()
	s.vv.Observe(entry.Origin, uint64(entry.Seq))
	s.vvMu.Unlock()
	return entry, nil
}

// mergeFields applies requested field changes over the previous committed
// state. KindRemove clears a field; untouched fields carry over. The
// result reflects the final field state, never an interleaving.
func mergeFields(prev *Document, changes map[core.FieldID]Value) map[core.FieldID]Value {
	out := make(map[core.FieldID]Value)
	if prev != nil && !prev.Tombstone {
		for f, v := range prev.Fields {
			out[f] = v
		}
	}
	for f, v := range changes {
		if v.Kind == KindRemove {
			delete(out, f)
			continue
		}
		out[f] = v
	}
	return out
}

// computeDelta derives the index changes between the previous committed
// revision and the next field state. Tokenization is deterministic, so the
// same (prev, next) pair always yields the same delta.
func computeDelta(prev *Document, next map[core.FieldID]Value) index.Delta {
	prevTerms := make(map[index.FieldTerm]struct{})
	prevValues := make(map[index.FieldValue]struct{})
	if prev != nil && !prev.Tombstone {
		collectPostings(prev.Fields, prevTerms, prevValues)
	}
	nextTerms := make(map[index.FieldTerm]struct{})
	nextValues := make(map[index.FieldValue]struct{})
	collectPostings(next, nextTerms, nextValues)

	var d index.Delta
	for t := range nextTerms {
		if _, ok := prevTerms[t]; !ok {
			d.AddTerms = append(d.AddTerms, t)
		}
	}
	for t := range prevTerms {
		if _, ok := nextTerms[t]; !ok {
			d.RemoveTerms = append(d.RemoveTerms, t)
		}
	}
	for v := range nextValues {
		if _, ok := prevValues[v]; !ok {
			d.AddValues = append(d.AddValues, v)
		}
	}
	for v := range prevValues {
		if _, ok := nextValues[v]; !ok {
			d.RemoveValues = append(d.RemoveValues, v)
		}
	}
	sortDelta(&d)
	return d
}

func collectPostings(fields map[core.FieldID]Value, terms map[index.FieldTerm]struct{}, values map[index.FieldValue]struct{}) {
	for f, v := range fields {
		switch v.Kind {
		case KindText:
			for tok := range nlp.Tokenize(v.Text, v.Language) {
				terms[index.FieldTerm{Field: f, Term: core.TermHash(hash.Term(tok.Term))}] = struct{}{}
			}
		case KindKeyword:
			terms[index.FieldTerm{Field: f, Term: core.TermHash(hash.Term(strings.ToLower(v.Text)))}] = struct{}{}
		case KindTag:
			terms[index.FieldTerm{Field: f, Term: core.TermHash(hash.Term(v.Text))}] = struct{}{}
		case KindInteger:
			values[index.FieldValue{Field: f, Value: index.SortableInt(v.Integer)}] = struct{}{}
		}
	}
}

// toTermDelta converts an index delta into its log wire form.
func toTermDelta(d index.Delta) TermDelta {
	var out TermDelta
	for _, t := range d.AddTerms {
		out.AddTerms = append(out.AddTerms, FieldTermRef{Field: t.Field, Term: t.Term})
	}
	for _, t := range d.RemoveTerms {
		out.RemoveTerms = append(out.RemoveTerms, FieldTermRef{Field: t.Field, Term: t.Term})
	}
	for _, v := range d.AddValues {
		out.AddValues = append(out.AddValues, FieldValueRef{Field: v.Field, Value: v.Value})
	}
	for _, v := range d.RemoveValues {
		out.RemoveValues = append(out.RemoveValues, FieldValueRef{Field: v.Field, Value: v.Value})
	}
	return out
}

func sortDelta(d *index.Delta) {
	less := func(a, b index.FieldTerm) bool {
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Term < b.Term
	}
	sort.Slice(d.AddTerms, func(i, j int) bool { return less(d.AddTerms[i], d.AddTerms[j]) })
	sort.Slice(d.RemoveTerms, func(i, j int) bool { return less(d.RemoveTerms[i], d.RemoveTerms[j]) })
	vless := func(a, b index.FieldValue) bool {
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Value < b.Value
	}
	sort.Slice(d.AddValues, func(i, j int) bool { return vless(d.AddValues[i], d.AddValues[j]) })
	sort.Slice(d.RemoveValues, func(i, j int) bool { return vless(d.RemoveValues[i], d.RemoveValues[j]) })
}

// changeFor classifies a commit for the change log.
func changeFor(prev *Document, doc *Document, state uint64) Change {
	c := Change{State: state}
	switch {
	case doc.Tombstone:
		c.Destroyed = []core.DocumentID{doc.ID}
	case prev == nil || prev.Tombstone:
		c.Created = []core.DocumentID{doc.ID}
	default:
		c.Updated = []core.DocumentID{doc.ID}
	}
	return c
}
