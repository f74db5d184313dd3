package blob

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored blob layout: [flags:1][origLen:8][body].
// flags bit 0 set means the body is zstd-compressed.
const (
	blobHeaderSize  = 9
	flagCompressed  = 0x01
	blobFormatByte0 = 0 // reserved flag bits must be zero
)

// compressThreshold skips compression for payloads too small to benefit.
const compressThreshold = 128

// Shared zstd coders. EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode frames data in the stored blob format. Exported for alternative
// Store backends that persist the same representation.
func Encode(data []byte) ([]byte, error) { return encodeBlob(data) }

// Decode reverses Encode.
func Decode(stored []byte) ([]byte, error) { return decodeBlob(stored) }

// encodeBlob frames data for persistence, compressing when worthwhile.
// The compressed body is verified reversible before being returned, so a
// broken encoding can never reach disk.
func encodeBlob(data []byte) ([]byte, error) {
	flags := byte(0)
	body := data
	if len(data) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(compressed) < len(data) {
			// Round-trip check: persisting bytes we cannot decompress
			// back to the original would corrupt the store silently.
			restored, err := zstdDecoder.DecodeAll(compressed, nil)
			if err != nil || !bytes.Equal(restored, data) {
				return nil, fmt.Errorf("compression round-trip failed: %w", err)
			}
			flags |= flagCompressed
			body = compressed
		}
	}
	out := make([]byte, blobHeaderSize+len(body))
	out[0] = flags
	binary.LittleEndian.PutUint64(out[1:9], uint64(len(data)))
	copy(out[blobHeaderSize:], body)
	return out, nil
}

// decodeBlob reverses encodeBlob.
func decodeBlob(stored []byte) ([]byte, error) {
	if len(stored) < blobHeaderSize {
		return nil, fmt.Errorf("%w: truncated blob (%d bytes)", ErrIntegrity, len(stored))
	}
	flags := stored[0]
	origLen := binary.LittleEndian.Uint64(stored[1:9])
	body := stored[blobHeaderSize:]
	if flags&^byte(flagCompressed) != blobFormatByte0 {
		return nil, fmt.Errorf("%w: unknown blob flags 0x%02x", ErrIntegrity, flags)
	}
	if flags&flagCompressed == 0 {
		if uint64(len(body)) != origLen {
			return nil, fmt.Errorf("%w: length %d, want %d", ErrIntegrity, len(body), origLen)
		}
		return body, nil
	}
	data, err := zstdDecoder.DecodeAll(body, make([]byte, 0, origLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if uint64(len(data)) != origLen {
		return nil, fmt.Errorf("%w: decompressed %d bytes, want %d", ErrIntegrity, len(data), origLen)
	}
	return data, nil
}
