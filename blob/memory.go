package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/xet7/jmap-server/internal/hash"
)

// MemoryStore implements Store in memory. Intended for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Digest][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Digest][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (Digest, error) {
	digest := hash.Sum(data)
	if err := ctx.Err(); err != nil {
		return digest, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[digest]; !ok {
		encoded, err := encodeBlob(data)
		if err != nil {
			return digest, err
		}
		s.blobs[digest] = encoded
	}
	return digest, nil
}

func (s *MemoryStore) Get(ctx context.Context, digest Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	stored, ok := s.blobs[digest]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	data, err := decodeBlob(stored)
	if err != nil {
		return nil, err
	}
	if got := hash.Sum(data); got != digest {
		return nil, fmt.Errorf("%w: blob %s hashes to %s", ErrIntegrity, digest, got)
	}
	return data, nil
}

func (s *MemoryStore) Has(ctx context.Context, digest Digest) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[digest]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, digest Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, digest)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports stored blob count. Intended for dedup assertions in tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
