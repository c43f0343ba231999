package group

import "context"

// State is what the local store holds per group: the master key and the
// latest known snapshot. The master key never leaves the local store;
// snapshots shared with other parties are passed without it.
type State struct {
	Master   MasterKey
	Snapshot Snapshot
}

// Store is the durable mapping from group identifier to latest known
// state. Implementations serialize access per identifier and accept an
// upsert only when it advances the revision, so concurrent writers
// converge on the highest revision regardless of arrival order.
type Store interface {
	// Get returns the latest known state, or ErrUnknownGroup.
	Get(ctx context.Context, id ID) (State, error)

	// Upsert stores st iff its revision is greater than the stored
	// one (or nothing is stored). Reports whether the store changed.
	Upsert(ctx context.Context, id ID, st State) (bool, error)

	// Delete removes local knowledge of the group.
	Delete(ctx context.Context, id ID) error
}
