package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/quietwire/groupd/pkg/identity"
	"github.com/quietwire/groupd/pkg/logging"
	"github.com/quietwire/groupd/pkg/wire"
)

// SealedInvite is a copy of the group's master key sealed to an
// invitee's public key, produced when an invitation is issued so the
// invitee can decrypt group state once they accept.
type SealedInvite struct {
	Service identity.ServiceID
	Sealed  []byte
}

// UpdateResult is a successfully applied mutation.
type UpdateResult struct {
	// Snapshot is the committed local state after the mutation. Zero
	// after leaving the group.
	Snapshot Snapshot

	// Change is the structured diff that was applied.
	Change Change

	// Record is the accepted signed record when the change affects
	// membership, so callers can fan it out to peers. Zero for
	// attribute-only changes.
	Record wire.ChangeRecord

	// SealedInvites carries the master key sealed to each newly
	// invited user who supplied a public key.
	SealedInvites []SealedInvite
}

// Applier executes mutation intents: it resolves the current state,
// reconciles the intent into a change, submits the signed record, and
// commits the result locally.
type Applier struct {
	store     Store
	transport Transport
	provider  Provider
	resolver  *Resolver
	ids       identity.Resolver
	editor    identity.ServiceID
	log       *logging.Logger
}

// NewApplier constructs an Applier acting as editor. A nil provider
// selects DefaultProvider; a nil logger uses the process default.
func NewApplier(store Store, transport Transport, provider Provider, ids identity.Resolver, editor identity.ServiceID, log *logging.Logger) *Applier {
	if provider == nil {
		provider = DefaultProvider
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &Applier{
		store:     store,
		transport: transport,
		provider:  provider,
		resolver:  NewResolver(store, transport, provider, log),
		ids:       ids,
		editor:    editor,
		log:       log.WithComponent("applier"),
	}
}

// Observe registers a SyncObserver on the applier's internal resolver.
func (a *Applier) Observe(obs SyncObserver) { a.resolver.Observe(obs) }

// Apply executes one mutation intent against the group's current
// server state and returns the committed result.
//
// The intent is reconciled against a freshly resolved snapshot, so a
// submission races only with changes that land between the resolve and
// the submit. When that happens the server rejects the record and Apply
// returns *ConflictError; nothing is retried automatically, because the
// intent may no longer be valid against the newer state (the member to
// remove may already be gone). The caller decides whether to re-apply.
func (a *Applier) Apply(ctx context.Context, mk MasterKey, in Intent) (UpdateResult, error) {
	kind, err := in.Kind()
	if err != nil {
		return UpdateResult{}, err
	}

	params := DeriveSecretParams(mk)
	id := params.ID()
	log := a.log.WithGroup("group", id[:])

	snap, err := a.resolver.Resolve(ctx, mk, RevisionLatest)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("resolve current state: %w", err)
	}

	var avatarRef string
	if kind == IntentAvatar {
		avatarRef, err = a.transport.UploadAvatar(ctx, id, in.Avatar)
		if err != nil {
			return UpdateResult{}, fmt.Errorf("upload avatar: %w", err)
		}
	}

	change, err := Reconcile(ctx, &snap, in, a.ids, params, a.editor, avatarRef)
	if err != nil {
		return UpdateResult{}, err
	}
	if change.IsEmpty() {
		// Every target was already in the requested state.
		log.DebugContext(ctx, "intent is a no-op against current state", "kind", string(kind))
		return UpdateResult{Snapshot: snap, Change: change}, nil
	}

	rec, err := a.provider.BuildChange(params, change)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("build change record: %w", err)
	}

	res, err := a.transport.SubmitChange(ctx, id, rec)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			log.InfoContext(ctx, "change rejected as conflicting",
				"revision", change.Revision, "server_revision", conflict.ServerRevision)
		}
		return UpdateResult{}, err
	}

	if kind == IntentLeave {
		if err := a.store.Delete(ctx, id); err != nil {
			return UpdateResult{}, fmt.Errorf("delete local state after leaving: %w", err)
		}
		log.InfoContext(ctx, "left group", "revision", change.Revision)
		return UpdateResult{Change: change, Record: acceptedRecord(res, rec)}, nil
	}

	next, err := a.nextSnapshot(params, snap, change, res)
	if err != nil {
		return UpdateResult{}, err
	}
	if _, err := a.store.Upsert(ctx, id, State{Master: mk, Snapshot: next}); err != nil {
		return UpdateResult{}, fmt.Errorf("commit state: %w", err)
	}
	log.InfoContext(ctx, "applied change", "kind", string(kind), "revision", next.Revision)

	out := UpdateResult{Snapshot: next, Change: change}
	if change.AffectsMembership() {
		out.Record = acceptedRecord(res, rec)
	}
	out.SealedInvites, err = sealInvites(mk, in.AddMembers, change)
	if err != nil {
		return UpdateResult{}, err
	}
	return out, nil
}

// nextSnapshot prefers the authoritative snapshot the server returned
// with the accepted change; without one it applies the change locally.
func (a *Applier) nextSnapshot(params SecretParams, base Snapshot, change Change, res SubmitResult) (Snapshot, error) {
	if !res.Snapshot.IsZero() {
		next, err := a.provider.DecryptSnapshot(params, res.Snapshot)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decrypt returned snapshot: %w", err)
		}
		return next, nil
	}
	next, err := Apply(base, change)
	if err != nil {
		return Snapshot{}, fmt.Errorf("apply accepted change locally: %w", err)
	}
	return next, nil
}

func acceptedRecord(res SubmitResult, built wire.ChangeRecord) wire.ChangeRecord {
	if !res.Record.IsZero() {
		return res.Record
	}
	return built
}

// sealInvites seals the master key to each candidate that both ended up
// invited and supplied a public key.
func sealInvites(mk MasterKey, candidates []Candidate, change Change) ([]SealedInvite, error) {
	if len(change.NewPendingMembers) == 0 {
		return nil, nil
	}
	invited := make(map[identity.ServiceID]bool, len(change.NewPendingMembers))
	for _, pm := range change.NewPendingMembers {
		invited[pm.Service] = true
	}
	var out []SealedInvite
	for _, cand := range candidates {
		if len(cand.PublicKey) == 0 || !cand.Address.HasServiceID() {
			continue
		}
		if !invited[cand.Address.Service] {
			continue
		}
		sealed, err := SealInvite(mk, cand.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("seal invite for %s: %w", cand.Address.Service, err)
		}
		out = append(out, SealedInvite{Service: cand.Address.Service, Sealed: sealed})
	}
	return out, nil
}
