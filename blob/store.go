package blob

import (
	"context"
	"errors"

	"github.com/xet7/jmap-server/internal/hash"
)

// Digest aliases the content digest type used to address blobs.
type Digest = hash.Digest

var (
	// ErrNotFound is returned when a requested digest is absent.
	ErrNotFound = errors.New("blob not found")

	// ErrIntegrity is returned when stored bytes fail digest or
	// decompression verification. It is fatal for the affected blob and is
	// never repaired automatically.
	ErrIntegrity = errors.New("blob integrity check failed")
)

// Store is the abstraction for content-addressed blob storage.
type Store interface {
	// Put persists data and returns its content digest. Re-submitting
	// identical bytes returns the same digest without re-storing.
	Put(ctx context.Context, data []byte) (Digest, error)

	// Get returns the uncompressed bytes for digest. It fails with
	// ErrNotFound when absent and ErrIntegrity when the stored bytes do
	// not hash back to the requested digest.
	Get(ctx context.Context, digest Digest) ([]byte, error)

	// Has reports whether digest is stored.
	Has(ctx context.Context, digest Digest) (bool, error)

	// Delete removes the stored blob. Deleting an absent digest is a
	// no-op. Callers must only delete digests whose last document
	// reference has been durably removed and replicated.
	Delete(ctx context.Context, digest Digest) error

	// Close releases backend resources.
	Close() error
}
