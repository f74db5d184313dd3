package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xet7/jmap-server/internal/hash"
)

// LocalStore implements Store on the local filesystem. Blobs are sharded
// into two directory levels by digest prefix to keep directories small.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(digest Digest) string {
	hex := digest.String()
	return filepath.Join(s.root, hex[0:2], hex[2:4], hex)
}

// Put persists data under its content digest. Identical bytes persist
// once: when the target file already exists the write is skipped entirely.
func (s *LocalStore) Put(ctx context.Context, data []byte) (Digest, error) {
	digest := hash.Sum(data)
	if err := ctx.Err(); err != nil {
		return digest, err
	}

	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil // dedup hit
	} else if !errors.Is(err, os.ErrNotExist) {
		return digest, err
	}

	encoded, err := encodeBlob(data)
	if err != nil {
		return digest, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return digest, err
	}
	// Write under a unique temp name, then rename. A digest is never
	// rebound, so a concurrent Put of the same bytes rename-races benignly
	// to an identical file.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+digest.String()+".*")
	if err != nil {
		return digest, err
	}
	_, werr := tmp.Write(encoded)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp.Name())
		return digest, fmt.Errorf("write blob %s: %w", digest, werr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return digest, err
	}
	return digest, nil
}

func (s *LocalStore) Get(ctx context.Context, digest Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := os.ReadFile(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, err
	}
	data, err := decodeBlob(stored)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", digest, err)
	}
	if got := hash.Sum(data); got != digest {
		return nil, fmt.Errorf("%w: blob %s hashes to %s", ErrIntegrity, digest, got)
	}
	return data, nil
}

func (s *LocalStore) Has(ctx context.Context, digest Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStore) Delete(ctx context.Context, digest Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) Close() error { return nil }
