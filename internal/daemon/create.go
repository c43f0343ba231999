package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/quietwire/groupd/internal/observability"
	"github.com/quietwire/groupd/pkg/group"
	"github.com/quietwire/groupd/pkg/identity"
	"github.com/quietwire/groupd/pkg/logging"
)

// CreateResult is a newly created group: the master key to share with
// members, the initial snapshot, and sealed key copies for invitees who
// supplied public keys.
type CreateResult struct {
	MasterKey     group.MasterKey
	Snapshot      group.Snapshot
	SealedInvites []group.SealedInvite
}

// CreateGroup creates a new group with the local account as its sole
// administrator and the given candidates as initial members or
// invitees. The revision-zero record is submitted to the server before
// the state is committed locally.
func (d *Daemon) CreateGroup(ctx context.Context, title string, candidates []group.Candidate, timer uint32) (CreateResult, error) {
	op, ctx := observability.StartOperation(ctx, d.metrics, "daemon.create_group")
	res, err := d.createGroup(ctx, title, candidates, timer)
	op.End(err)
	return res, err
}

func (d *Daemon) createGroup(ctx context.Context, title string, candidates []group.Candidate, timer uint32) (CreateResult, error) {
	if title == "" {
		return CreateResult{}, fmt.Errorf("create group: title cannot be empty")
	}

	mk, err := group.NewMasterKey()
	if err != nil {
		return CreateResult{}, fmt.Errorf("create group: %w", err)
	}
	params := group.DeriveSecretParams(mk)
	id := params.ID()

	snap := group.Snapshot{
		Revision: 0,
		Title:    title,
		Timer:    timer,
		Members: []group.Member{{
			Service:    d.self,
			Role:       group.RoleAdministrator,
			ProfileKey: d.selfPK,
		}},
		AccessControl: group.AccessControl{
			Attributes: group.AccessMember,
			Members:    group.AccessMember,
			InviteLink: group.AccessUnsatisfiable,
		},
	}

	for _, cand := range candidates {
		sid, err := d.resolveCandidate(ctx, cand.Address)
		if err != nil {
			return CreateResult{}, err
		}
		if sid == d.self {
			continue
		}
		role := cand.Role
		if role == group.RoleUnknown {
			role = group.RoleDefault
		}
		if len(cand.ProfileKey) > 0 {
			snap.Members = append(snap.Members, group.Member{
				Service:    sid,
				Role:       role,
				ProfileKey: cand.ProfileKey,
			})
		} else {
			snap.PendingMembers = append(snap.PendingMembers, group.PendingMember{
				Service:     sid,
				InvitedBy:   d.self,
				Role:        role,
				InviteToken: params.InviteToken(sid),
			})
		}
	}
	if err := snap.Validate(); err != nil {
		return CreateResult{}, fmt.Errorf("create group: %w", err)
	}

	change := group.Change{
		Editor:   d.self,
		Revision: 0,
		NewTitle: &title,
	}
	change.NewMembers = append(change.NewMembers, snap.Members...)
	change.NewPendingMembers = append(change.NewPendingMembers, snap.PendingMembers...)

	rec, err := d.provider.BuildChange(params, change)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create group: build record: %w", err)
	}
	if _, err := d.transport.SubmitChange(ctx, id, rec); err != nil {
		return CreateResult{}, fmt.Errorf("create group: %w", err)
	}

	if _, err := d.store.Upsert(ctx, id, group.State{Master: mk, Snapshot: snap}); err != nil {
		return CreateResult{}, fmt.Errorf("create group: commit state: %w", err)
	}

	var sealed []group.SealedInvite
	for _, cand := range candidates {
		if len(cand.PublicKey) == 0 || len(cand.ProfileKey) > 0 {
			continue
		}
		sid, err := d.resolveCandidate(ctx, cand.Address)
		if err != nil {
			return CreateResult{}, err
		}
		s, err := group.SealInvite(mk, cand.PublicKey)
		if err != nil {
			return CreateResult{}, fmt.Errorf("create group: seal invite for %s: %w", sid, err)
		}
		sealed = append(sealed, group.SealedInvite{Service: sid, Sealed: s})
	}

	d.log.InfoContext(ctx, "group created", "group", logging.FormatGroupID(id[:]),
		"members", len(snap.Members), "invited", len(snap.PendingMembers))

	return CreateResult{MasterKey: mk, Snapshot: snap, SealedInvites: sealed}, nil
}

// resolveCandidate resolves an address, accepting a caller-supplied
// stable identifier for identities the resolver reports unregistered.
func (d *Daemon) resolveCandidate(ctx context.Context, addr identity.Address) (identity.ServiceID, error) {
	if d.ids == nil {
		if addr.HasServiceID() {
			return addr.Service, nil
		}
		return identity.NilServiceID, &group.UnresolvedIdentityError{Address: addr, Err: identity.ErrUnregistered}
	}
	sid, err := d.ids.Resolve(ctx, addr)
	if err != nil {
		if errors.Is(err, identity.ErrUnregistered) && addr.HasServiceID() {
			return addr.Service, nil
		}
		return identity.NilServiceID, &group.UnresolvedIdentityError{Address: addr, Err: err}
	}
	return sid, nil
}
