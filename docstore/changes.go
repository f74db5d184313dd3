package docstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/xet7/jmap-server/core"
)

// ErrStateTooOld is returned by ChangesSince when the requested state has
// been compacted away and the caller must resynchronize from scratch.
var ErrStateTooOld = errors.New("change state too old")

// ChangesSince aggregates the per-collection change log after sinceState
// into a single summary: which ids were created, updated, or destroyed,
// and the state the summary is current to. Ids that were both created and
// later destroyed in the window cancel out.
func (s *Store) ChangesSince(account core.AccountID, collection core.Collection, sinceState uint64) (Change, error) {
	current := s.State(account, collection)
	out := Change{State: current}
	if sinceState >= current {
		return out, nil
	}

	created := make(map[core.DocumentID]struct{})
	updated := make(map[core.DocumentID]struct{})
	destroyed := make(map[core.DocumentID]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := changePrefix(account, collection)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		first := true
		for it.Seek(changeKey(account, collection, sinceState+1)); it.Valid(); it.Next() {
			k := it.Item().Key()
			state := binary.BigEndian.Uint64(k[len(k)-8:])
			if first {
				// The window's first surviving entry tells us whether
				// compaction ate part of the requested range.
				if state != sinceState+1 && sinceState > 0 {
					return ErrStateTooOld
				}
				first = false
			}

			var c Change
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &c)
			})
			if err != nil {
				return err
			}
			for _, id := range c.Created {
				created[id] = struct{}{}
			}
			for _, id := range c.Updated {
				updated[id] = struct{}{}
			}
			for _, id := range c.Destroyed {
				if _, ok := created[id]; ok {
					// Created and destroyed inside the window: the
					// caller never saw it, report nothing.
					delete(created, id)
					delete(updated, id)
					continue
				}
				delete(updated, id)
				destroyed[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	for id := range created {
		delete(updated, id) // created subsumes updated within the window
		out.Created = append(out.Created, id)
	}
	for id := range updated {
		out.Updated = append(out.Updated, id)
	}
	for id := range destroyed {
		out.Destroyed = append(out.Destroyed, id)
	}
	slices.Sort(out.Created)
	slices.Sort(out.Updated)
	slices.Sort(out.Destroyed)
	return out, nil
}

// CompactChanges drops change log entries at or below keepAfter. Clients
// holding an older state get ErrStateTooOld on their next ChangesSince and
// resync.
func (s *Store) CompactChanges(account core.AccountID, collection core.Collection, keepAfter uint64) (int, error) {
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := changePrefix(account, collection)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if binary.BigEndian.Uint64(k[len(k)-8:]) > keepAfter {
				break
			}
			victims = append(victims, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range victims {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}
