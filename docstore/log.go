package docstore

import (
	"encoding/binary"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/xet7/jmap-server/core"
)

// Entries returns up to limit mutation log entries for origin with
// sequence numbers in (after, after+limit]. A limit of 0 means no bound.
// The result is sorted by sequence number and may stop early at a pruned
// or not-yet-written range.
func (s *Store) Entries(origin string, after core.SeqNum, limit int) ([]*LogEntry, error) {
	var out []*LogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(origin)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		start := logKey(origin, after+1)
		for it.Seek(start); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			entry := new(LogEntry)
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, entry)
			})
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// MaxSeq returns the highest locally assigned sequence number.
func (s *Store) MaxSeq() core.SeqNum { return core.SeqNum(s.seq.Load()) }

// PruneLog deletes local log entries at or below floor, the lowest local
// sequence number every peer has acknowledged. Entries above the floor
// must stay so lagging peers can catch up by replay.
func (s *Store) PruneLog(floor core.SeqNum) (int, error) {
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(s.nodeID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			seq := binary.BigEndian.Uint64(k[len(k)-8:])
			if seq > uint64(floor) {
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

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range victims {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	s.logger.Info("mutation log pruned", "entries", len(victims), "floor", floor)
	return len(victims), nil
}
