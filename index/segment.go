package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/internal/hash"
)

var (
	segmentMagic   = [4]byte{'J', 'S', 'I', '1'}
	segmentVersion = uint16(1)
)

const segmentHeaderSize = 4 + 2 + 2 + 8 + 8 + 4

var (
	// ErrSegmentChecksum indicates a corrupt bitmap segment. Loading
	// stops hard on this error: a damaged posting means missed documents,
	// which must never be silent.
	ErrSegmentChecksum = errors.New("bitmap segment checksum mismatch")
	// ErrSegmentFormat indicates an unreadable segment header.
	ErrSegmentFormat = errors.New("invalid bitmap segment format")
)

// SegmentFile is the on-disk file name for the index segment under the
// index directory.
const SegmentFile = "postings.seg"

// Save persists all postings to dir atomically (write to a temp file,
// fsync, rename). The previous segment stays intact until the new one is
// durable.
func (ix *Index) Save(dir string) error {
	payload, err := ix.encodePayload()
	if err != nil {
		return err
	}

	maxSize := lz4.CompressBlockBound(len(payload))
	compressed := make([]byte, maxSize)
	n, err := lz4.CompressBlock(payload, compressed, nil)
	if err != nil {
		return fmt.Errorf("compress index segment: %w", err)
	}
	flags := uint16(1)
	if n == 0 || n >= len(payload) {
		// Incompressible; store raw.
		compressed = payload
		n = len(payload)
		flags = 0
	} else {
		compressed = compressed[:n]
	}

	header := make([]byte, segmentHeaderSize)
	copy(header[0:4], segmentMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], segmentVersion)
	binary.LittleEndian.PutUint16(header[6:8], flags)
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(payload)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(n))
	binary.LittleEndian.PutUint32(header[24:28], hash.CRC32C(compressed))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, SegmentFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(header); err == nil {
		_, err = f.Write(compressed)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write index segment: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, SegmentFile))
}

// Load replaces the index contents with the segment persisted under dir.
// A missing segment is not an error (fresh node). A checksum or format
// failure is fatal.
func (ix *Index) Load(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, SegmentFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) < segmentHeaderSize {
		return fmt.Errorf("%w: file too small (%d bytes)", ErrSegmentFormat, len(raw))
	}
	if !bytes.Equal(raw[0:4], segmentMagic[:]) {
		return fmt.Errorf("%w: bad magic", ErrSegmentFormat)
	}
	if v := binary.LittleEndian.Uint16(raw[4:6]); v != segmentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrSegmentFormat, v)
	}
	flags := binary.LittleEndian.Uint16(raw[6:8])
	uncompressedLen := binary.LittleEndian.Uint64(raw[8:16])
	compressedLen := binary.LittleEndian.Uint64(raw[16:24])
	wantCRC := binary.LittleEndian.Uint32(raw[24:28])

	body := raw[segmentHeaderSize:]
	if uint64(len(body)) != compressedLen {
		return fmt.Errorf("%w: truncated body (%d of %d bytes)", ErrSegmentFormat, len(body), compressedLen)
	}
	if got := hash.CRC32C(body); got != wantCRC {
		return fmt.Errorf("%w: crc 0x%08x, want 0x%08x", ErrSegmentChecksum, got, wantCRC)
	}

	payload := body
	if flags&1 != 0 {
		payload = make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(body, payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSegmentChecksum, err)
		}
		if uint64(n) != uncompressedLen {
			return fmt.Errorf("%w: decompressed %d of %d bytes", ErrSegmentChecksum, n, uncompressedLen)
		}
	}

	ix.Reset()
	return ix.decodePayload(payload)
}

func (ix *Index) encodePayload() ([]byte, error) {
	var buf bytes.Buffer

	type postingEntry struct {
		key postingKey
		bm  *roaring.Bitmap
	}
	var postings []postingEntry
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		for k, b := range sh.postings {
			postings = append(postings, postingEntry{k, b.Clone()})
		}
		sh.mu.RUnlock()
	}
	writeU32(&buf, uint32(len(postings)))
	for _, p := range postings {
		writeU32(&buf, uint32(p.key.Account))
		buf.WriteByte(byte(p.key.Collection))
		buf.WriteByte(byte(p.key.Field))
		writeU64(&buf, uint64(p.key.Term))
		if err := writeBitmap(&buf, p.bm); err != nil {
			return nil, err
		}
	}

	ix.orderedMu.RLock()
	orderedKeys := make([]orderedKey, 0, len(ix.ordered))
	for k := range ix.ordered {
		orderedKeys = append(orderedKeys, k)
	}
	writeU32(&buf, uint32(len(orderedKeys)))
	var err error
	for _, k := range orderedKeys {
		of := ix.ordered[k]
		writeU32(&buf, uint32(k.Account))
		buf.WriteByte(byte(k.Collection))
		buf.WriteByte(byte(k.Field))
		of.mu.RLock()
		writeU32(&buf, uint32(len(of.values)))
		for _, v := range of.values {
			writeU64(&buf, v)
			if err = writeBitmap(&buf, of.bitmaps[v]); err != nil {
				break
			}
		}
		of.mu.RUnlock()
		if err != nil {
			break
		}
	}
	ix.orderedMu.RUnlock()
	if err != nil {
		return nil, err
	}

	ix.scopeMu.RLock()
	defer ix.scopeMu.RUnlock()
	writeU32(&buf, uint32(len(ix.scopes)))
	for k, b := range ix.scopes {
		writeU32(&buf, uint32(k.Account))
		buf.WriteByte(byte(k.Collection))
		if err := writeBitmap(&buf, b); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (ix *Index) decodePayload(payload []byte) error {
	r := bytes.NewReader(payload)

	postingCount, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < postingCount; i++ {
		var k postingKey
		account, err := readU32(r)
		if err != nil {
			return err
		}
		k.Account = core.AccountID(account)
		col, err := r.ReadByte()
		if err != nil {
			return err
		}
		k.Collection = core.Collection(col)
		fld, err := r.ReadByte()
		if err != nil {
			return err
		}
		k.Field = core.FieldID(fld)
		term, err := readU64(r)
		if err != nil {
			return err
		}
		k.Term = core.TermHash(term)
		b, err := readBitmap(r)
		if err != nil {
			return err
		}
		sh := &ix.shards[k.shard()]
		sh.postings[k] = b
	}

	orderedCount, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < orderedCount; i++ {
		var k orderedKey
		account, err := readU32(r)
		if err != nil {
			return err
		}
		k.Account = core.AccountID(account)
		col, err := r.ReadByte()
		if err != nil {
			return err
		}
		k.Collection = core.Collection(col)
		fld, err := r.ReadByte()
		if err != nil {
			return err
		}
		k.Field = core.FieldID(fld)
		valueCount, err := readU32(r)
		if err != nil {
			return err
		}
		of := &orderedField{bitmaps: make(map[uint64]*roaring.Bitmap, valueCount)}
		of.values = make([]uint64, 0, valueCount)
		for j := uint32(0); j < valueCount; j++ {
			v, err := readU64(r)
			if err != nil {
				return err
			}
			b, err := readBitmap(r)
			if err != nil {
				return err
			}
			of.values = append(of.values, v)
			of.bitmaps[v] = b
		}
		ix.ordered[k] = of
	}

	scopeCount, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < scopeCount; i++ {
		account, err := readU32(r)
		if err != nil {
			return err
		}
		col, err := r.ReadByte()
		if err != nil {
			return err
		}
		b, err := readBitmap(r)
		if err != nil {
			return err
		}
		ix.scopes[scopeKey{core.AccountID(account), core.Collection(col)}] = b
	}

	return nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSegmentFormat, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSegmentFormat, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeBitmap(buf *bytes.Buffer, b *roaring.Bitmap) error {
	b.RunOptimize()
	data, err := b.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal posting bitmap: %w", err)
	}
	writeU32(buf, uint32(len(data)))
	buf.Write(data)
	return nil
}

func readBitmap(r *bytes.Reader) (*roaring.Bitmap, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentFormat, err)
	}
	b := roaring.New()
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentChecksum, err)
	}
	return b, nil
}
