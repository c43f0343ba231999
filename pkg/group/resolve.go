package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/quietwire/groupd/pkg/logging"
)

// SyncObserver receives synchronization progress events, for metrics.
// Implementations must be safe for concurrent use.
type SyncObserver interface {
	// RecordReplayed is called per history record during replay;
	// outcome is "applied" or "skipped".
	RecordReplayed(outcome string)

	// FullFetchFallback is called when an incremental replay is
	// abandoned in favor of a full-state fetch.
	FullFetchFallback()
}

// Resolver reconciles a possibly-stale or absent local snapshot with
// the server's authoritative state, either by fetching the full current
// state or by replaying the change log from the local baseline.
type Resolver struct {
	store     Store
	transport Transport
	provider  Provider
	observer  SyncObserver
	log       *logging.Logger
}

// NewResolver constructs a Resolver. A nil provider selects
// DefaultProvider; a nil logger uses the process default.
func NewResolver(store Store, transport Transport, provider Provider, log *logging.Logger) *Resolver {
	if provider == nil {
		provider = DefaultProvider
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &Resolver{
		store:     store,
		transport: transport,
		provider:  provider,
		log:       log.WithComponent("resolver"),
	}
}

// Observe registers a SyncObserver. Pass nil to remove it.
func (r *Resolver) Observe(obs SyncObserver) { r.observer = obs }

func (r *Resolver) observeReplay(outcome string) {
	if r.observer != nil {
		r.observer.RecordReplayed(outcome)
	}
}

// Resolve brings the local snapshot for the group up to target and
// returns it. Pass RevisionLatest to follow the server's head.
//
// When the local baseline is absent or the target is RevisionLatest, a
// full-state fetch is performed. Otherwise the change log is replayed
// incrementally from the local revision; a gap in the log or a change
// that does not apply falls back to a full fetch. If history is
// exhausted below target, the partially-caught-up snapshot is committed
// and returned inside an *IncompleteCatchUpError.
//
// A *VerificationError from any record aborts the resolve. ErrNotInGroup
// from the server deletes local state before surfacing.
func (r *Resolver) Resolve(ctx context.Context, mk MasterKey, target uint64) (Snapshot, error) {
	params := DeriveSecretParams(mk)
	id := params.ID()
	log := r.log.WithGroup("group", id[:])

	local, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrUnknownGroup):
		return r.fullFetch(ctx, params, target)
	case err != nil:
		return Snapshot{}, fmt.Errorf("load local group state: %w", err)
	}

	if target == RevisionLatest {
		// No way to know how far behind we are; a single full fetch
		// beats paging through an unknown amount of history.
		return r.fullFetch(ctx, params, target)
	}

	if local.Snapshot.Revision >= target {
		return local.Snapshot, nil
	}

	snap, replayErr := r.replay(ctx, params, local.Snapshot, target)
	if replayErr == nil {
		return snap, nil
	}

	var incomplete *IncompleteCatchUpError
	if errors.As(replayErr, &incomplete) {
		return snap, replayErr
	}
	var verification *VerificationError
	if errors.As(replayErr, &verification) {
		return Snapshot{}, replayErr
	}
	if errors.Is(replayErr, errReplayUnusable) {
		log.WarnContext(ctx, "incremental replay unusable, falling back to full fetch", "error", replayErr)
		if r.observer != nil {
			r.observer.FullFetchFallback()
		}
		return r.fullFetch(ctx, params, target)
	}
	return Snapshot{}, replayErr
}

// errReplayUnusable marks replay failures that indicate the log or the
// local baseline cannot be used (truncation gaps, changes that do not
// apply), as opposed to failures that must surface.
var errReplayUnusable = errors.New("replay unusable")

func (r *Resolver) replay(ctx context.Context, params SecretParams, running Snapshot, target uint64) (Snapshot, error) {
	id := params.ID()
	token := ""

	for running.Revision < target {
		page, err := r.transport.FetchHistory(ctx, id, running.Revision+1, token)
		if err != nil {
			if errors.Is(err, ErrNotInGroup) {
				return Snapshot{}, r.evict(ctx, id, err)
			}
			return Snapshot{}, fmt.Errorf("fetch history from revision %d: %w", running.Revision+1, err)
		}

		for _, entry := range page.Entries {
			if entry.Snapshot != nil {
				// A full state embedded in the log is more complete
				// than anything we could reconstruct; adopt it when it
				// is ahead of the running snapshot.
				snap, err := r.provider.DecryptSnapshot(params, *entry.Snapshot)
				if err != nil {
					return Snapshot{}, err
				}
				if snap.Revision > running.Revision {
					running = snap
				}
				if entry.Record.IsZero() {
					continue
				}
			}

			rec := entry.Record
			if rec.Revision <= running.Revision {
				// Already incorporated; replay is idempotent.
				r.observeReplay("skipped")
				continue
			}
			if rec.Revision != running.Revision+1 {
				return Snapshot{}, fmt.Errorf("%w: record at revision %d does not follow %d", errReplayUnusable, rec.Revision, running.Revision)
			}

			change, err := r.provider.DecryptChange(params, rec)
			if err != nil {
				return Snapshot{}, err
			}
			next, err := Apply(running, change)
			if err != nil {
				return Snapshot{}, fmt.Errorf("%w: %v", errReplayUnusable, err)
			}
			running = next
			r.observeReplay("applied")

			if running.Revision >= target {
				break
			}
		}

		if running.Revision >= target {
			break
		}
		if !page.HasMore {
			if _, err := r.commit(ctx, params, running); err != nil {
				return Snapshot{}, err
			}
			return running, &IncompleteCatchUpError{Reached: running.Revision, Target: target, Snapshot: running}
		}
		token = page.ContinuationToken
	}

	if _, err := r.commit(ctx, params, running); err != nil {
		return Snapshot{}, err
	}
	return running, nil
}

func (r *Resolver) fullFetch(ctx context.Context, params SecretParams, target uint64) (Snapshot, error) {
	id := params.ID()

	ws, err := r.transport.FetchSnapshot(ctx, id, RevisionLatest)
	if err != nil {
		if errors.Is(err, ErrNotInGroup) {
			return Snapshot{}, r.evict(ctx, id, err)
		}
		return Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}

	snap, err := r.provider.DecryptSnapshot(params, ws)
	if err != nil {
		return Snapshot{}, err
	}

	if _, err := r.commit(ctx, params, snap); err != nil {
		return Snapshot{}, err
	}
	r.log.WithGroup("group", id[:]).DebugContext(ctx, "full snapshot fetched", "revision", snap.Revision)

	if target != RevisionLatest && snap.Revision < target {
		return snap, &IncompleteCatchUpError{Reached: snap.Revision, Target: target, Snapshot: snap}
	}
	return snap, nil
}

// commit upserts the snapshot. The freshly derived snapshot is returned
// to the caller even when the store already holds the same revision;
// fetched state may carry fields a cached partial view lacked.
func (r *Resolver) commit(ctx context.Context, params SecretParams, snap Snapshot) (bool, error) {
	updated, err := r.store.Upsert(ctx, params.ID(), State{Master: params.MasterKey(), Snapshot: snap})
	if err != nil {
		return false, fmt.Errorf("commit snapshot at revision %d: %w", snap.Revision, err)
	}
	return updated, nil
}

func (r *Resolver) evict(ctx context.Context, id ID, cause error) error {
	if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrUnknownGroup) {
		r.log.WithGroup("group", id[:]).WarnContext(ctx, "failed to delete local state after eviction", "error", err)
	}
	return cause
}
