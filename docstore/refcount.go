package docstore

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/internal/hash"
)

// updateRefCounts adjusts blob reference counts for one revision change
// inside the commit transaction. A count that reaches zero is not deleted
// immediately: the digest is marked with the releasing sequence number and
// reclaimed by SweepBlobs once the cluster has acknowledged past it.
func (s *Store) updateRefCounts(txn *badger.Txn, prev *Document, doc *Document, seq core.SeqNum) error {
	prevRefs := make(map[hash.Digest]struct{})
	if prev != nil && !prev.Tombstone {
		for _, d := range prev.Blobs {
			prevRefs[d] = struct{}{}
		}
	}
	nextRefs := make(map[hash.Digest]struct{})
	if !doc.Tombstone {
		for _, d := range doc.Blobs {
			nextRefs[d] = struct{}{}
		}
	}

	for d := range nextRefs {
		if _, ok := prevRefs[d]; ok {
			continue
		}
		n, err := readRefCount(txn, d)
		if err != nil {
			return err
		}
		if err := txn.Set(refCountKey(d), encodeU64(n+1)); err != nil {
			return err
		}
		// A re-referenced blob is live again; cancel any pending sweep.
		if n == 0 {
			if err := txn.Delete(gcKey(d)); err != nil {
				return err
			}
		}
	}
	for d := range prevRefs {
		if _, ok := nextRefs[d]; ok {
			continue
		}
		n, err := readRefCount(txn, d)
		if err != nil {
			return err
		}
		if n <= 1 {
			if err := txn.Delete(refCountKey(d)); err != nil {
				return err
			}
			if err := txn.Set(gcKey(d), encodeU64(uint64(seq))); err != nil {
				return err
			}
			continue
		}
		if err := txn.Set(refCountKey(d), encodeU64(n-1)); err != nil {
			return err
		}
	}
	return nil
}

func readRefCount(txn *badger.Txn, d hash.Digest) (uint64, error) {
	item, err := txn.Get(refCountKey(d))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(v []byte) error {
		n = decodeU64(v)
		return nil
	})
	return n, err
}

// RefCount returns the live reference count for a blob digest.
func (s *Store) RefCount(d hash.Digest) (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = readRefCount(txn, d)
		return err
	})
	return n, err
}

// SweepBlobs deletes unreferenced blobs whose releasing commit is at or
// below floor, the lowest local sequence every peer has acknowledged.
// Blobs released above the floor stay: a lagging peer's catch-up replay
// may still re-reference them. Returns the number of blobs reclaimed.
func (s *Store) SweepBlobs(ctx context.Context, floor core.SeqNum) (int, error) {
	var victims []hash.Digest
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixGC}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var released uint64
			if err := item.Value(func(v []byte) error {
				released = decodeU64(v)
				return nil
			}); err != nil {
				return err
			}
			if released > uint64(floor) {
				continue
			}
			var d hash.Digest
			copy(d[:], item.Key()[1:])
			victims = append(victims, d)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, d := range victims {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if err := s.blobs.Delete(ctx, d); err != nil {
			s.logger.Warn("blob sweep failed", "digest", d, "error", err)
			continue
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(gcKey(d))
		})
		if err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("blob sweep", "reclaimed", swept, "floor", floor)
	}
	return swept, nil
}
