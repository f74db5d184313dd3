package docstore

import (
	"encoding/binary"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/internal/hash"
)

// Badger keyspaces. Single-byte prefixes keep iteration ranges tight.
const (
	prefixDocument = 'd' // d | account:4 | collection:1 | doc:4 -> Document JSON
	prefixLog      = 'l' // l | origin | 0x00 | seq:8 (big endian) -> LogEntry JSON
	prefixApplied  = 'a' // a | origin -> applied high-water mark (8 bytes)
	prefixState    = 't' // t | account:4 | collection:1 -> change state counter (8 bytes)
	prefixChange   = 'c' // c | account:4 | collection:1 | state:8 (big endian) -> Change JSON
	prefixRefCount = 'r' // r | digest:32 -> reference count (8 bytes)
	prefixGC       = 'g' // g | digest:32 -> seq (8 bytes) after which the blob may be reclaimed
	prefixMeta     = 'm' // m | name -> opaque metadata (node identity, clean-shutdown marker)
)

func docKey(account core.AccountID, collection core.Collection, id core.DocumentID) []byte {
	k := make([]byte, 1+4+1+4)
	k[0] = prefixDocument
	binary.BigEndian.PutUint32(k[1:5], uint32(account))
	k[5] = byte(collection)
	binary.BigEndian.PutUint32(k[6:10], uint32(id))
	return k
}

func logKey(origin string, seq core.SeqNum) []byte {
	k := make([]byte, 0, 1+len(origin)+1+8)
	k = append(k, prefixLog)
	k = append(k, origin...)
	k = append(k, 0)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], uint64(seq))
	return append(k, s[:]...)
}

func logPrefix(origin string) []byte {
	k := make([]byte, 0, 1+len(origin)+1)
	k = append(k, prefixLog)
	k = append(k, origin...)
	return append(k, 0)
}

func appliedKey(origin string) []byte {
	return append([]byte{prefixApplied}, origin...)
}

func stateKey(account core.AccountID, collection core.Collection) []byte {
	k := make([]byte, 1+4+1)
	k[0] = prefixState
	binary.BigEndian.PutUint32(k[1:5], uint32(account))
	k[5] = byte(collection)
	return k
}

func changeKey(account core.AccountID, collection core.Collection, state uint64) []byte {
	k := make([]byte, 1+4+1+8)
	k[0] = prefixChange
	binary.BigEndian.PutUint32(k[1:5], uint32(account))
	k[5] = byte(collection)
	binary.BigEndian.PutUint64(k[6:14], state)
	return k
}

func changePrefix(account core.AccountID, collection core.Collection) []byte {
	k := make([]byte, 1+4+1)
	k[0] = prefixChange
	binary.BigEndian.PutUint32(k[1:5], uint32(account))
	k[5] = byte(collection)
	return k
}

func refCountKey(digest hash.Digest) []byte {
	return append([]byte{prefixRefCount}, digest[:]...)
}

func gcKey(digest hash.Digest) []byte {
	return append([]byte{prefixGC}, digest[:]...)
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
