// Package physical provides the physical storage backend interface for
// local group state.
package physical

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no record exists for the group.
	ErrNotFound = errors.New("group record not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Record is one group's stored state: an opaque encoded value plus the
// revision it is at, kept in the clear so backends and operators can
// inspect sync progress without the codec.
type Record struct {
	Key      []byte
	Revision uint64
	Value    []byte
}

// Backend is the physical storage interface for group state. The
// logical layer serializes writers per group; backends only need
// thread-safe point operations. All implementations must be safe for
// concurrent use.
type Backend interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key []byte) (*Record, error)
	Delete(ctx context.Context, key []byte) error
	List(ctx context.Context) ([]*Record, error)
	Close() error
}
