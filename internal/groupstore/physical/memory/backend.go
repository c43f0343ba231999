// Package memory provides an in-memory group state backend, used in
// tests and for ephemeral runs.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/quietwire/groupd/internal/groupstore/physical"
)

func init() {
	physical.Register("memory", NewFactory, nil)
}

// NewFactory creates a new in-memory backend. It takes no configuration.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	return New(), nil
}

// Backend stores records in a map.
type Backend struct {
	mu      sync.RWMutex
	records map[string]*physical.Record
	closed  bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{records: make(map[string]*physical.Record)}
}

func (b *Backend) Put(_ context.Context, rec *physical.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return physical.ErrClosed
	}
	b.records[string(rec.Key)] = &physical.Record{
		Key:      bytes.Clone(rec.Key),
		Revision: rec.Revision,
		Value:    bytes.Clone(rec.Value),
	}
	return nil
}

func (b *Backend) Get(_ context.Context, key []byte) (*physical.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, physical.ErrClosed
	}
	rec, ok := b.records[string(key)]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return &physical.Record{
		Key:      bytes.Clone(rec.Key),
		Revision: rec.Revision,
		Value:    bytes.Clone(rec.Value),
	}, nil
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return physical.ErrClosed
	}
	delete(b.records, string(key))
	return nil
}

func (b *Backend) List(_ context.Context) ([]*physical.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, physical.ErrClosed
	}
	out := make([]*physical.Record, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, &physical.Record{
			Key:      bytes.Clone(rec.Key),
			Revision: rec.Revision,
			Value:    bytes.Clone(rec.Value),
		})
	}
	slices.SortFunc(out, func(a, c *physical.Record) int {
		return bytes.Compare(a.Key, c.Key)
	})
	return out, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.records = nil
	return nil
}
