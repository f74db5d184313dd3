// Package minio provides a blob.Store implementation backed by MinIO or
// any S3-compatible object storage (Ceph, SeaweedFS, Garage, AWS S3).
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := minioblob.NewStore(client, "mail", "blobs/")
//
// Blobs carry the same compressed framing as the local backend, so a node
// can migrate between backends by copying objects verbatim.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/xet7/jmap-server/blob"
	"github.com/xet7/jmap-server/internal/hash"
)

// Store implements blob.Store for S3-compatible object storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ blob.Store = (*Store)(nil)

// NewStore creates a blob store on bucket. rootPrefix is prepended to all
// object keys (e.g. "blobs/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: rootPrefix}
}

func (s *Store) key(digest blob.Digest) string {
	hex := digest.String()
	return path.Join(s.prefix, hex[0:2], hex)
}

func (s *Store) Put(ctx context.Context, data []byte) (blob.Digest, error) {
	digest := hash.Sum(data)
	key := s.key(digest)

	// Content addressing makes Put idempotent: if the object exists its
	// bytes are already correct.
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return digest, nil
	} else if !isNotFound(err) {
		return digest, err
	}

	encoded, err := blob.Encode(data)
	if err != nil {
		return digest, err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(encoded), int64(len(encoded)), minio.PutObjectOptions{})
	return digest, err
}

func (s *Store) Get(ctx context.Context, digest blob.Digest) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(digest), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	stored, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, digest)
		}
		return nil, err
	}
	data, err := blob.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", digest, err)
	}
	if got := hash.Sum(data); got != digest {
		return nil, fmt.Errorf("%w: blob %s hashes to %s", blob.ErrIntegrity, digest, got)
	}
	return data, nil
}

func (s *Store) Has(ctx context.Context, digest blob.Digest) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(digest), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) Delete(ctx context.Context, digest blob.Digest) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(digest), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

func isNotFound(err error) bool {
	errResp := minio.ToErrorResponse(err)
	return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
}
