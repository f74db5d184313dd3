package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/xet7/jmap-server/blob"
	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/index"
)

var (
	// ErrNotFound is returned when a document id is absent or tombstoned.
	ErrNotFound = errors.New("document not found")

	// ErrSeqGap is returned when a remote entry arrives out of order for
	// its origin. The replication layer requests a catch-up range instead
	// of applying it.
	ErrSeqGap = errors.New("mutation log sequence gap")
)

// scope identifies one (account, collection) id/state namespace.
type scope struct {
	Account    core.AccountID
	Collection core.Collection
}

// numDocLocks is the per-document mutex stripe count. Power of two.
const numDocLocks = 256

// Options configures a Store.
type Options struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string
	// InMemory runs Badger without disk persistence. For tests.
	InMemory bool
	// SyncWrites makes every Badger write durable before returning.
	SyncWrites bool
	// NodeID is this node's origin identifier for mutation log entries.
	NodeID string
	// Logger receives structured store events. Nil discards.
	Logger *slog.Logger
}

// Store is the document store. It coordinates writes across the tokenizer,
// the bitmap index, and the blob store, and feeds the replicated mutation
// log.
type Store struct {
	db     *badger.DB
	ix     *index.Index
	blobs  blob.Store
	logger *slog.Logger
	nodeID string

	docLocks [numDocLocks]sync.Mutex

	// commitMu serializes the log-append section of commits so per-origin
	// sequence numbers stay gapless and ordered on disk. Delta and term
	// computation run outside this lock.
	commitMu sync.Mutex

	countersMu sync.Mutex
	nextID     map[scope]*atomic.Uint64
	nextState  map[scope]*atomic.Uint64

	seq atomic.Uint64 // last locally assigned SeqNum

	vvMu sync.Mutex
	vv   core.VersionVector

	// onCommitted fires after a commit (local or replicated) is durable
	// and indexed. The facade uses it for cache invalidation and, for
	// local commits, replication.
	onCommitted func(entry *LogEntry, local bool)

	// onMember fires when a membership change entry is applied.
	onMember func(change MemberChange)
}

// Open opens or creates the store and restores counters, sequence numbers,
// and the version vector from persisted state.
func Open(opts Options, ix *index.Index, blobs blob.Store) (*Store, error) {
	if opts.NodeID == "" {
		return nil, errors.New("docstore: NodeID is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithSyncWrites(opts.SyncWrites).
		WithInMemory(opts.InMemory).
		WithNumVersionsToKeep(1)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{
		db:        db,
		ix:        ix,
		blobs:     blobs,
		logger:    logger,
		nodeID:    opts.NodeID,
		nextID:    make(map[scope]*atomic.Uint64),
		nextState: make(map[scope]*atomic.Uint64),
		vv:        core.VersionVector{},
	}
	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OnCommitted registers the post-commit hook. Must be set before the first
// commit.
func (s *Store) OnCommitted(fn func(entry *LogEntry, local bool)) { s.onCommitted = fn }

// OnMember registers the membership-change hook. Must be set before the
// first commit.
func (s *Store) OnMember(fn func(change MemberChange)) { s.onMember = fn }

// NodeID returns the local origin identifier.
func (s *Store) NodeID() string { return s.nodeID }

// Close flushes and closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// restore rebuilds in-memory counters from persisted keys: the next
// document id and change state per scope, the local sequence number, and
// the applied version vector.
func (s *Store) restore() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixDocument}})
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			sc := scope{core.AccountID(decodeU32(k[1:5])), core.Collection(k[5])}
			id := uint64(decodeU32(k[6:10]))
			if c := s.counter(s.nextID, sc); c.Load() < id {
				c.Store(id)
			}
		}
		it.Close()

		it = txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixState}})
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			sc := scope{core.AccountID(decodeU32(k[1:5])), core.Collection(k[5])}
			var state uint64
			err := it.Item().Value(func(v []byte) error {
				state = decodeU64(v)
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
			s.counter(s.nextState, sc).Store(state)
		}
		it.Close()

		it = txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixApplied}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			origin := string(it.Item().Key()[1:])
			var seq uint64
			err := it.Item().Value(func(v []byte) error {
				seq = decodeU64(v)
				return nil
			})
			if err != nil {
				return err
			}
			s.vv.Observe(origin, seq)
			if origin == s.nodeID {
				s.seq.Store(seq)
			}
		}
		return nil
	})
}

func (s *Store) counter(m map[scope]*atomic.Uint64, sc scope) *atomic.Uint64 {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	c, ok := m[sc]
	if !ok {
		c = &atomic.Uint64{}
		m[sc] = c
	}
	return c
}

func (s *Store) docLock(account core.AccountID, collection core.Collection, id core.DocumentID) *sync.Mutex {
	h := uint64(account)<<40 | uint64(collection)<<32 | uint64(id)
	return &s.docLocks[(h*0x9E3779B97F4A7C15)>>56&(numDocLocks-1)]
}

// VersionVector returns a snapshot of the applied version vector.
func (s *Store) VersionVector() core.VersionVector {
	s.vvMu.Lock()
	defer s.vvMu.Unlock()
	return s.vv.Clone()
}

// Applied returns the applied high-water mark for origin.
func (s *Store) Applied(origin string) core.SeqNum {
	s.vvMu.Lock()
	defer s.vvMu.Unlock()
	return core.SeqNum(s.vv.Get(origin))
}

// Get returns the committed document. Tombstoned and never-assigned ids
// both report ErrNotFound.
func (s *Store) Get(account core.AccountID, collection core.Collection, id core.DocumentID) (*Document, error) {
	var doc *Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDoc(txn, account, collection, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Tombstone {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrNotFound, account, collection, id)
	}
	return doc, nil
}

// State returns the current change state for (account, collection).
func (s *Store) State(account core.AccountID, collection core.Collection) uint64 {
	return s.counter(s.nextState, scope{account, collection}).Load()
}

// Meta reads an opaque metadata value, nil when absent.
func (s *Store) Meta(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// SetMeta writes an opaque metadata value; nil deletes it.
func (s *Store) SetMeta(name string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if value == nil {
			return txn.Delete(metaKey(name))
		}
		return txn.Set(metaKey(name), value)
	})
}

func readDoc(txn *badger.Txn, account core.AccountID, collection core.Collection, id core.DocumentID) (*Document, error) {
	item, err := txn.Get(docKey(account, collection, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &doc)
	}); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

func decodeU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
