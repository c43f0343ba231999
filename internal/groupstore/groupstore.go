// Package groupstore is the durable local map from group identifier to
// latest known state, layered over a pluggable physical backend.
package groupstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quietwire/groupd/internal/groupstore/physical"
	"github.com/quietwire/groupd/internal/observability"
	"github.com/quietwire/groupd/pkg/group"
	"github.com/quietwire/groupd/pkg/logging"
	"github.com/quietwire/groupd/pkg/wire"
)

const lockStripes = 64

// Store implements group.Store. Writers for the same group are
// serialized on a striped lock so the revision comparison and the
// backend write are atomic with respect to each other; backends only
// need plain thread-safe point operations.
type Store struct {
	backend physical.Backend
	metrics *observability.Metrics
	log     *logging.Logger
	locks   [lockStripes]sync.Mutex
}

// New creates a Store over the given backend. metrics may be nil.
func New(backend physical.Backend, metrics *observability.Metrics, log *logging.Logger) *Store {
	if log == nil {
		log = logging.New(nil)
	}
	return &Store{
		backend: backend,
		metrics: metrics,
		log:     log.WithComponent("groupstore"),
	}
}

// storedState is the encoded per-group value.
type storedState struct {
	Master   []byte         `cbor:"mk"`
	Snapshot group.Snapshot `cbor:"snap"`
}

func (s *Store) stripe(id group.ID) *sync.Mutex {
	return &s.locks[int(id[0])%lockStripes]
}

// Get returns the latest known state, or group.ErrUnknownGroup.
func (s *Store) Get(ctx context.Context, id group.ID) (group.State, error) {
	rec, err := s.backend.Get(ctx, id[:])
	if errors.Is(err, physical.ErrNotFound) {
		return group.State{}, group.ErrUnknownGroup
	}
	if err != nil {
		return group.State{}, fmt.Errorf("load group state: %w", err)
	}
	return decodeState(rec)
}

// Upsert stores st iff its revision is greater than the stored one.
// Reports whether the store changed.
func (s *Store) Upsert(ctx context.Context, id group.ID, st group.State) (bool, error) {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.backend.Get(ctx, id[:])
	switch {
	case errors.Is(err, physical.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load group state: %w", err)
	default:
		if st.Snapshot.Revision <= rec.Revision {
			return false, nil
		}
	}

	value, err := wire.Marshal(storedState{
		Master:   st.Master[:],
		Snapshot: st.Snapshot,
	})
	if err != nil {
		return false, fmt.Errorf("encode group state: %w", err)
	}
	if err := s.backend.Put(ctx, &physical.Record{
		Key:      id[:],
		Revision: st.Snapshot.Revision,
		Value:    value,
	}); err != nil {
		return false, fmt.Errorf("store group state: %w", err)
	}

	if s.metrics != nil {
		s.metrics.GroupRevision.WithLabelValues(id.String()).Set(float64(st.Snapshot.Revision))
	}
	s.log.WithGroup("group", id[:]).Debug("group state stored", "revision", st.Snapshot.Revision)
	return true, nil
}

// Delete removes local knowledge of the group.
func (s *Store) Delete(ctx context.Context, id group.ID) error {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	if err := s.backend.Delete(ctx, id[:]); err != nil {
		return fmt.Errorf("delete group state: %w", err)
	}
	if s.metrics != nil {
		s.metrics.GroupRevision.DeleteLabelValues(id.String())
	}
	return nil
}

// List returns the state of every locally known group.
func (s *Store) List(ctx context.Context) ([]group.State, error) {
	recs, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list group states: %w", err)
	}
	out := make([]group.State, 0, len(recs))
	for _, rec := range recs {
		st, err := decodeState(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func decodeState(rec *physical.Record) (group.State, error) {
	var stored storedState
	if err := wire.Unmarshal(rec.Value, &stored); err != nil {
		return group.State{}, fmt.Errorf("decode group state for %x: %w", rec.Key, err)
	}
	mk, err := group.MasterKeyFromBytes(stored.Master)
	if err != nil {
		return group.State{}, fmt.Errorf("decode group state for %x: %w", rec.Key, err)
	}
	return group.State{Master: mk, Snapshot: stored.Snapshot}, nil
}
