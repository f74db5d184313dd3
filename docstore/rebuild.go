package docstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/index"
)

// Rebuild repopulates the bitmap index from the document store. The index
// is derived data: after a crash that left no clean segment snapshot, a
// full rebuild restores it exactly.
func (s *Store) Rebuild(ctx context.Context, ix *index.Index) error {
	start := time.Now()
	ix.Reset()

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixDocument}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc Document
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &doc)
			})
			if err != nil {
				return err
			}
			if doc.Tombstone {
				continue
			}
			delta := computeDelta(nil, doc.Fields)
			delta.Doc = doc.ID
			ix.Apply(doc.Account, doc.Collection, delta)
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("index rebuilt", "documents", n, "elapsed", time.Since(start))
	return nil
}

// DocumentCount reports the number of live documents in (account,
// collection).
func (s *Store) DocumentCount(account core.AccountID, collection core.Collection) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := docKey(account, collection, 0)[:6]
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var doc Document
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &doc)
			})
			if err != nil {
				return err
			}
			if !doc.Tombstone {
				n++
			}
		}
		return nil
	})
	return n, err
}
