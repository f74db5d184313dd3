package jmapserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/xet7/jmap-server/blob"
	"github.com/xet7/jmap-server/cache"
	"github.com/xet7/jmap-server/cluster"
	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/docstore"
	"github.com/xet7/jmap-server/index"
)

// Layout under the data path.
const (
	badgerDir = "badger"
	indexDir  = "index"
	blobDir   = "blobs"
)

// Metadata keys in the document store.
const (
	metaNodeID        = "node-id"
	metaCleanShutdown = "clean-shutdown"
)

// Store is the facade over the indexing, storage, cache, and replication
// components. All methods are safe for concurrent use.
type Store struct {
	opts   options
	logger *Logger

	ix    *index.Index
	blobs blob.Store
	docs  *docstore.Store
	cache *cache.ResultCache
	node  *cluster.Node

	metrics  *metrics
	indexDir string
	closed   atomic.Bool
}

// Open opens or creates a store under path, recovers the index, and, when
// clustering is configured, joins the cluster. The returned Store must be
// closed to persist the index segment.
func Open(ctx context.Context, path string, optFns ...Option) (*Store, error) {
	opts := applyOptions(optFns)
	s := &Store{
		opts:   opts,
		logger: opts.logger,
		ix:     index.New(),
		cache: cache.New(cache.Options{
			Capacity:   opts.cacheCapacity,
			TimeToIdle: opts.cacheTTI,
		}),
	}

	if err := s.openStorage(path); err != nil {
		return nil, translateError(err)
	}
	if err := s.recoverIndex(ctx); err != nil {
		s.docs.Close()
		s.blobs.Close()
		return nil, translateError(err)
	}

	s.docs.OnCommitted(s.onCommitted)
	s.metrics = newMetrics(opts.metricsReg, s)

	if opts.clusterAddr != "" {
		node, err := cluster.NewNode(s.docs, cluster.Options{
			Addr:   opts.clusterAddr,
			Secret: opts.clusterSecret,
			Peers:  opts.clusterPeers,
			Logger: s.logger.Logger,
		})
		if err != nil {
			s.docs.Close()
			s.blobs.Close()
			return nil, translateError(err)
		}
		if err := node.Start(); err != nil {
			s.docs.Close()
			s.blobs.Close()
			return nil, translateError(err)
		}
		s.node = node
	}

	// Mark the store dirty while open; a crash leaves the marker unset
	// and the next Open rebuilds the index.
	if err := s.docs.SetMeta(metaCleanShutdown, nil); err != nil {
		s.Close()
		return nil, translateError(err)
	}

	s.logger.Info("store open", "path", path, "node", s.docs.NodeID(), "clustered", s.node != nil)
	return s, nil
}

// openStorage wires the blob store and the document store, loading or
// creating the persistent node identity.
func (s *Store) openStorage(path string) error {
	var err error
	s.blobs = s.opts.blobStore
	if s.blobs == nil {
		if s.opts.inMemory {
			s.blobs = blob.NewMemoryStore()
		} else {
			s.blobs, err = blob.NewLocalStore(filepath.Join(path, blobDir))
			if err != nil {
				return err
			}
		}
	}
	s.indexDir = filepath.Join(path, indexDir)
	if !s.opts.inMemory {
		if err := os.MkdirAll(s.indexDir, 0o755); err != nil {
			return err
		}
	}

	// The node identity must survive restarts: per-origin log positions
	// are bound to it. Bootstrap with a probe store to read it, since the
	// docstore needs the id at open.
	nodeID, err := s.loadOrCreateNodeID(path)
	if err != nil {
		return err
	}

	s.docs, err = docstore.Open(docstore.Options{
		Path:       filepath.Join(path, badgerDir),
		InMemory:   s.opts.inMemory,
		SyncWrites: s.opts.syncWrites,
		NodeID:     nodeID,
		Logger:     s.logger.Logger,
	}, s.ix, s.blobs)
	if err != nil {
		s.blobs.Close()
		return err
	}

	if err := s.docs.SetMeta(metaNodeID, []byte(nodeID)); err != nil {
		s.docs.Close()
		s.blobs.Close()
		return err
	}
	return nil
}

// loadOrCreateNodeID reads the persisted node identity or mints a fresh
// uuid for a new store.
func (s *Store) loadOrCreateNodeID(path string) (string, error) {
	if s.opts.inMemory {
		return uuid.NewString(), nil
	}
	// The identity also lives in a plain file so it can be read without
	// opening badger.
	idFile := filepath.Join(path, "node-id")
	if raw, err := os.ReadFile(idFile); err == nil && len(raw) > 0 {
		return string(raw), nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(idFile, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// recoverIndex restores the bitmap index: from the persisted segment when
// the previous shutdown was clean, otherwise by a full rebuild from the
// document store.
func (s *Store) recoverIndex(ctx context.Context) error {
	start := time.Now()

	clean, err := s.docs.Meta(metaCleanShutdown)
	if err != nil {
		return err
	}
	if !s.opts.inMemory && clean != nil && !s.opts.rebuildIndex {
		if err := s.ix.Load(s.indexDir); err != nil {
			// A damaged segment after a clean shutdown means the disk
			// lied. Surface it; rebuilding here would hide the failure.
			// Operators opt into repair with WithRebuildIndex.
			s.logger.LogRecovery(ctx, false, time.Since(start), err)
			return err
		}
		s.logger.LogRecovery(ctx, false, time.Since(start), nil)
		return nil
	}

	if err := s.docs.Rebuild(ctx, s.ix); err != nil {
		s.logger.LogRecovery(ctx, true, time.Since(start), err)
		return err
	}
	s.logger.LogRecovery(ctx, true, time.Since(start), nil)
	return nil
}

// onCommitted runs after every durable commit, local or replicated.
func (s *Store) onCommitted(entry *docstore.LogEntry, local bool) {
	s.cache.InvalidateScope(entry.Account, entry.Collection)
	if s.metrics != nil {
		source := "replicated"
		if local {
			source = "local"
		}
		s.metrics.appliedTotal.WithLabelValues(source).Inc()
	}
	if local && s.node != nil {
		s.node.Broadcast(entry)
	}
}

// Commit applies one document mutation. See docstore.CommitRequest.
func (s *Store) Commit(ctx context.Context, req docstore.CommitRequest) (docstore.CommitResult, error) {
	if s.closed.Load() {
		return docstore.CommitResult{}, ErrClosed
	}
	res, err := s.docs.Commit(ctx, req)
	s.logger.LogCommit(ctx, req.Account, req.Collection, res.Document, res.Seq, err)
	if s.metrics != nil {
		if err != nil {
			s.metrics.commitErrors.Inc()
		} else {
			s.metrics.commits.WithLabelValues("upsert").Inc()
		}
	}
	return res, translateError(err)
}

// Get returns a committed document, or ErrNotFound for absent and
// tombstoned ids.
func (s *Store) Get(account core.AccountID, collection core.Collection, id core.DocumentID) (*docstore.Document, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	doc, err := s.docs.Get(account, collection, id)
	return doc, translateError(err)
}

// Delete tombstones a document. The id is never reused.
func (s *Store) Delete(ctx context.Context, account core.AccountID, collection core.Collection, id core.DocumentID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.docs.Delete(ctx, account, collection, id)
	s.logger.LogCommit(ctx, account, collection, id, res.Seq, err)
	if s.metrics != nil && err == nil {
		s.metrics.commits.WithLabelValues("delete").Inc()
	}
	return translateError(err)
}

// Query evaluates a filter and returns matching document ids in ascending
// order. Results come from the versioned cache when the collection state
// has not advanced since they were computed.
func (s *Store) Query(ctx context.Context, account core.AccountID, collection core.Collection, filter index.Filter) ([]core.DocumentID, error) {
	bm, err := s.queryBitmap(ctx, account, collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]core.DocumentID, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, core.DocumentID(it.Next()))
	}
	return out, nil
}

// QueryRanked evaluates a filter and returns up to limit ids ordered by
// descending relevance. Ranked results bypass the result cache.
func (s *Store) QueryRanked(ctx context.Context, account core.AccountID, collection core.Collection, filter index.Filter, limit int) ([]core.DocumentID, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	ids, err := s.ix.QueryRanked(ctx, account, collection, filter, limit)
	s.recordQuery(ctx, account, collection, uint64(len(ids)), start, err)
	return ids, translateError(err)
}

func (s *Store) queryBitmap(ctx context.Context, account core.AccountID, collection core.Collection, filter index.Filter) (*roaring.Bitmap, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()

	key := cache.Key{
		Account:     account,
		Collection:  collection,
		Fingerprint: filter.Fingerprint(),
	}
	state := s.docs.State(account, collection)
	bm, err := s.cache.GetOrCompute(ctx, key, state, func(ctx context.Context) (*roaring.Bitmap, error) {
		return s.ix.Query(ctx, account, collection, filter)
	})

	var results uint64
	if bm != nil {
		results = bm.GetCardinality()
	}
	s.recordQuery(ctx, account, collection, results, start, err)
	return bm, translateError(err)
}

func (s *Store) recordQuery(ctx context.Context, account core.AccountID, collection core.Collection, results uint64, start time.Time, err error) {
	elapsed := time.Since(start)
	s.logger.LogQuery(ctx, account, collection, results, elapsed, err)
	if s.metrics != nil {
		s.metrics.queries.Inc()
		s.metrics.queryLatency.Observe(elapsed.Seconds())
		if err != nil {
			s.metrics.queryErrors.Inc()
		}
	}
}

// ChangesSince summarizes the created, updated, and destroyed ids of a
// collection after sinceState. Clients poll it to stay in sync.
func (s *Store) ChangesSince(account core.AccountID, collection core.Collection, sinceState uint64) (docstore.Change, error) {
	if s.closed.Load() {
		return docstore.Change{}, ErrClosed
	}
	ch, err := s.docs.ChangesSince(account, collection, sinceState)
	return ch, translateError(err)
}

// State returns the current change state of (account, collection).
func (s *Store) State(account core.AccountID, collection core.Collection) uint64 {
	return s.docs.State(account, collection)
}

// PutBlob stores a binary payload and returns its content digest.
// Identical payloads share storage.
func (s *Store) PutBlob(ctx context.Context, data []byte) (blob.Digest, error) {
	if s.closed.Load() {
		return blob.Digest{}, ErrClosed
	}
	if s.opts.maxBlobSize > 0 && int64(len(data)) > s.opts.maxBlobSize {
		return blob.Digest{}, &CapacityError{Limit: s.opts.maxBlobSize, Needed: int64(len(data))}
	}
	digest, err := s.blobs.Put(ctx, data)
	if s.metrics != nil && err == nil {
		s.metrics.blobPuts.Inc()
		s.metrics.blobBytesIn.Add(float64(len(data)))
	}
	return digest, translateError(err)
}

// GetBlob fetches a blob by digest, verifying content integrity.
func (s *Store) GetBlob(ctx context.Context, digest blob.Digest) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	data, err := s.blobs.Get(ctx, digest)
	return data, translateError(err)
}

// Members returns the cluster membership snapshot, nil when clustering is
// disabled.
func (s *Store) Members() []cluster.Member {
	if s.node == nil {
		return nil
	}
	return s.node.Members()
}

// NodeID returns this store's persistent origin identifier.
func (s *Store) NodeID() string { return s.docs.NodeID() }

// Compact reclaims acknowledged log entries and unreferenced blobs. With
// clustering disabled everything already committed is reclaimable.
func (s *Store) Compact(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.node != nil {
		return translateError(s.node.Compact(ctx))
	}
	floor := s.docs.MaxSeq()
	if _, err := s.docs.PruneLog(floor); err != nil {
		return translateError(err)
	}
	_, err := s.docs.SweepBlobs(ctx, floor)
	return translateError(err)
}

// Close persists the index segment, marks a clean shutdown, and releases
// all resources. The store is unusable afterwards.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if s.node != nil {
		if err := s.node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if !s.opts.inMemory {
		if err := s.ix.Save(s.indexDir); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("index segment save failed", "error", err)
		} else if err := s.docs.SetMeta(metaCleanShutdown, []byte{1}); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.docs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.blobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("store closed")
	return translateError(firstErr)
}

// String implements fmt.Stringer for diagnostics.
func (s *Store) String() string {
	return fmt.Sprintf("jmapserver.Store(node=%s)", s.docs.NodeID())
}
