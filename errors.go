package jmapserver

import (
	"errors"
	"fmt"

	"github.com/xet7/jmap-server/blob"
	"github.com/xet7/jmap-server/cluster"
	"github.com/xet7/jmap-server/docstore"
	"github.com/xet7/jmap-server/index"
)

var (
	// ErrNotFound is returned when a document or blob does not exist or
	// has been deleted.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// IntegrityError indicates stored data that no longer matches its
// checksum or digest. It is fatal for the affected unit: a corrupt index
// segment fails Open until the operator requests a rebuild, a corrupt
// blob is unreadable.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type IntegrityError struct {
	Source string // "blob" or "index segment"
	cause  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure in %s", e.Source)
}

func (e *IntegrityError) Unwrap() error { return e.cause }

// AdmissionError indicates a peer that failed cluster admission. It is
// not retried.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type AdmissionError struct {
	Peer  string
	cause error
}

func (e *AdmissionError) Error() string {
	if e.Peer == "" {
		return "cluster admission rejected"
	}
	return fmt.Sprintf("cluster admission rejected for %s", e.Peer)
}

func (e *AdmissionError) Unwrap() error { return e.cause }

// CapacityError indicates a value exceeding a configured limit.
type CapacityError struct {
	Limit  int64
	Needed int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: need %d bytes, limit %d", e.Needed, e.Limit)
}

// translateError unifies inner-package errors into the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if errors.Is(err, blob.ErrIntegrity) {
		return &IntegrityError{Source: "blob", cause: err}
	}
	if errors.Is(err, index.ErrSegmentChecksum) || errors.Is(err, index.ErrSegmentFormat) {
		return &IntegrityError{Source: "index segment", cause: err}
	}

	if errors.Is(err, cluster.ErrUnauthorized) {
		return &AdmissionError{cause: err}
	}

	return err
}
