// Package daemon wires the group store, transport, and crypto provider
// into the surface the rest of the process talks to.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/quietwire/groupd/internal/avatars"
	"github.com/quietwire/groupd/internal/observability"
	"github.com/quietwire/groupd/pkg/group"
	"github.com/quietwire/groupd/pkg/identity"
	"github.com/quietwire/groupd/pkg/logging"
	"github.com/quietwire/groupd/pkg/wire"
)

// StateStore is the daemon's view of the group store: the core Store
// contract plus enumeration for listing.
type StateStore interface {
	group.Store
	List(ctx context.Context) ([]group.State, error)
}

// Config configures a Daemon.
type Config struct {
	Store     StateStore
	Transport group.Transport
	// Provider defaults to group.DefaultProvider.
	Provider group.Provider
	// Identities resolves addresses to service identifiers.
	Identities identity.Resolver
	// Self is the local account's service identifier; it edits every
	// outgoing change.
	Self identity.ServiceID
	// SelfProfileKey is the local account's profile key, used when the
	// account joins or creates groups.
	SelfProfileKey []byte
	// Avatars caches downloaded avatar bytes. Optional.
	Avatars avatars.Cache
	// Metrics is the process metrics registry. Optional.
	Metrics *observability.Metrics
	Logger  *logging.Logger
}

// syncMetrics adapts the resolver's observer hook to Prometheus.
type syncMetrics struct {
	m *observability.Metrics
}

func (s *syncMetrics) RecordReplayed(outcome string) {
	s.m.RecordsReplayed.WithLabelValues(outcome).Inc()
}

func (s *syncMetrics) FullFetchFallback() {
	s.m.SyncFallbacks.Inc()
}

// Daemon exposes group synchronization and mutation to callers.
type Daemon struct {
	store     StateStore
	transport group.Transport
	provider  group.Provider
	ids       identity.Resolver
	self      identity.ServiceID
	selfPK    []byte
	avatars   avatars.Cache
	metrics   *observability.Metrics
	resolver  *group.Resolver
	applier   *group.Applier
	eval      *evaluator
	log       *logging.Logger
}

// New creates a Daemon from cfg.
func New(cfg Config) (*Daemon, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("daemon: store cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("daemon: transport cannot be nil")
	}
	if cfg.Self == identity.NilServiceID {
		return nil, fmt.Errorf("daemon: self identifier cannot be empty")
	}

	provider := cfg.Provider
	if provider == nil {
		provider = group.DefaultProvider
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New(nil)
	}

	eval, err := newEvaluator()
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	resolver := group.NewResolver(cfg.Store, cfg.Transport, provider, log)
	applier := group.NewApplier(cfg.Store, cfg.Transport, provider, cfg.Identities, cfg.Self, log)
	if cfg.Metrics != nil {
		obs := &syncMetrics{m: cfg.Metrics}
		resolver.Observe(obs)
		applier.Observe(obs)
	}

	return &Daemon{
		store:     cfg.Store,
		transport: cfg.Transport,
		provider:  provider,
		ids:       cfg.Identities,
		self:      cfg.Self,
		selfPK:    cfg.SelfProfileKey,
		avatars:   cfg.Avatars,
		metrics:   cfg.Metrics,
		resolver:  resolver,
		applier:   applier,
		eval:      eval,
		log:       log.WithComponent("daemon"),
	}, nil
}

// GetGroup returns the group's snapshot at minRevision or newer,
// synchronizing with the server when the local state is behind. Pass
// group.RevisionLatest to follow the server's head.
func (d *Daemon) GetGroup(ctx context.Context, id group.ID, minRevision uint64) (group.Snapshot, error) {
	op, ctx := observability.StartOperation(ctx, d.metrics, "daemon.get_group")
	snap, err := d.getGroup(ctx, id, minRevision)
	op.End(err)
	return snap, err
}

func (d *Daemon) getGroup(ctx context.Context, id group.ID, minRevision uint64) (group.Snapshot, error) {
	st, err := d.store.Get(ctx, id)
	if err != nil {
		return group.Snapshot{}, err
	}
	if minRevision != group.RevisionLatest && st.Snapshot.Revision >= minRevision {
		return st.Snapshot, nil
	}
	return d.resolver.Resolve(ctx, st.Master, minRevision)
}

// Mutate executes one mutation intent against the group. Conflicts are
// surfaced as *group.ConflictError and never retried here.
func (d *Daemon) Mutate(ctx context.Context, id group.ID, in group.Intent) (group.UpdateResult, error) {
	op, ctx := observability.StartOperation(ctx, d.metrics, "daemon.mutate")
	res, err := d.mutate(ctx, id, in)
	op.End(err)
	return res, err
}

func (d *Daemon) mutate(ctx context.Context, id group.ID, in group.Intent) (group.UpdateResult, error) {
	st, err := d.store.Get(ctx, id)
	if err != nil {
		return group.UpdateResult{}, err
	}

	res, err := d.applier.Apply(ctx, st.Master, in)
	if err != nil {
		var conflict *group.ConflictError
		if errors.As(err, &conflict) && d.metrics != nil {
			d.metrics.Conflicts.Inc()
		}
		return group.UpdateResult{}, err
	}
	return res, nil
}

// DecodeIncomingChange verifies and decrypts a change record received
// from a peer into a structured diff. It is a pure read: local state is
// neither consulted beyond the key lookup nor modified.
func (d *Daemon) DecodeIncomingChange(ctx context.Context, id group.ID, rec wire.ChangeRecord) (group.Change, error) {
	st, err := d.store.Get(ctx, id)
	if err != nil {
		return group.Change{}, err
	}
	return d.provider.DecryptChange(group.DeriveSecretParams(st.Master), rec)
}

// HandleNotification processes a peer's claim that the group is at
// revision. When the local snapshot is already current the stored state
// is returned without network traffic; otherwise the group is
// synchronized. Eviction discovered during the refresh deletes local
// state and surfaces group.ErrNotInGroup. The boolean reports whether a
// refresh happened.
func (d *Daemon) HandleNotification(ctx context.Context, id group.ID, revision uint64) (group.Snapshot, bool, error) {
	op, ctx := observability.StartOperation(ctx, d.metrics, "daemon.handle_notification")
	snap, refreshed, err := d.handleNotification(ctx, id, revision)
	op.End(err)
	return snap, refreshed, err
}

func (d *Daemon) handleNotification(ctx context.Context, id group.ID, revision uint64) (group.Snapshot, bool, error) {
	st, err := d.store.Get(ctx, id)
	if err != nil {
		return group.Snapshot{}, false, err
	}
	if st.Snapshot.Revision >= revision {
		d.log.DebugContext(ctx, "notification already incorporated",
			"group", logging.FormatGroupID(id[:]), "revision", revision)
		return st.Snapshot, false, nil
	}

	snap, err := d.resolver.Resolve(ctx, st.Master, revision)
	if err != nil {
		return group.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Register adopts a group the account learned about out of band, for
// example through a sealed invite: the state is fetched from the server
// and committed locally under the master key.
func (d *Daemon) Register(ctx context.Context, mk group.MasterKey) (group.Snapshot, error) {
	op, ctx := observability.StartOperation(ctx, d.metrics, "daemon.register")
	snap, err := d.resolver.Resolve(ctx, mk, group.RevisionLatest)
	op.End(err)
	return snap, err
}

// GroupSummary is one entry of a group listing.
type GroupSummary struct {
	ID       group.ID
	Snapshot group.Snapshot
}

// ListGroups returns all locally known groups, optionally narrowed by a
// CEL filter over snapshot attributes (title, description, revision,
// member_count, pending_count, requesting_count, timer,
// announcement_only).
func (d *Daemon) ListGroups(ctx context.Context, filter string) ([]GroupSummary, error) {
	states, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	var prg cel.Program
	if filter != "" {
		if prg, err = d.eval.compile(filter); err != nil {
			return nil, err
		}
	}

	out := make([]GroupSummary, 0, len(states))
	for _, st := range states {
		if prg != nil {
			ok, err := d.eval.match(prg, &st.Snapshot)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, GroupSummary{ID: group.DeriveID(st.Master), Snapshot: st.Snapshot})
	}
	return out, nil
}

// Avatar returns the avatar bytes for ref, serving from the local cache
// when possible and downloading otherwise.
func (d *Daemon) Avatar(ctx context.Context, id group.ID, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("avatar: empty reference")
	}

	if d.avatars != nil {
		data, err := d.avatars.Get(ctx, id, ref)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, avatars.ErrNotFound) {
			d.log.WarnContext(ctx, "avatar cache read failed", "error", err)
		}
	}

	data, err := d.transport.DownloadAvatar(ctx, id, ref)
	if err != nil {
		return nil, fmt.Errorf("download avatar: %w", err)
	}
	if d.avatars != nil {
		if err := d.avatars.Put(ctx, id, ref, data); err != nil {
			d.log.WarnContext(ctx, "avatar cache write failed", "error", err)
		}
	}
	return data, nil
}
