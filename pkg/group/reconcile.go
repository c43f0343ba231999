package group

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/quietwire/groupd/pkg/identity"
)

const linkPasswordSize = 16

// Reconcile turns an intent into the change that moves snap to its next
// revision. Membership deltas are computed against the snapshot so the
// resulting change names concrete list transitions; targets are
// resolved to service identifiers through ids. avatarRef is the
// uploaded reference for an avatar intent and ignored otherwise.
//
// Reconcile validates targets against the snapshot it was given. If the
// snapshot is stale the server rejects the submission with a conflict
// and the caller re-resolves and reconciles again.
func Reconcile(ctx context.Context, snap *Snapshot, in Intent, ids identity.Resolver, params SecretParams, editor identity.ServiceID, avatarRef string) (Change, error) {
	kind, err := in.Kind()
	if err != nil {
		return Change{}, err
	}

	c := Change{Editor: editor, Revision: snap.Revision + 1}

	switch kind {
	case IntentTitle:
		c.NewTitle = in.Title
	case IntentDescription:
		c.NewDescription = in.Description
	case IntentAvatar:
		c.NewAvatar = &avatarRef
	case IntentTimer:
		c.NewTimer = in.Timer

	case IntentAddMembers:
		err = reconcileAdds(ctx, &c, snap, in.AddMembers, ids, params, editor)
	case IntentRemoveMembers:
		err = reconcileRemovals(ctx, &c, snap, in.RemoveMembers, ids)
	case IntentUpdateRole:
		err = reconcileRole(ctx, &c, snap, *in.UpdateRole, ids)

	case IntentAccessAttributes:
		err = checkAttributeAccess(*in.AccessAttributes)
		c.NewAttributeAccess = *in.AccessAttributes
	case IntentAccessMembers:
		err = checkAttributeAccess(*in.AccessMembers)
		c.NewMemberAccess = *in.AccessMembers
	case IntentAccessInviteLink:
		err = reconcileLinkAccess(&c, snap, *in.AccessInviteLink)
	case IntentResetInviteLink:
		c.InviteLinkPasswordChanged = true
		c.NewInviteLinkPassword, err = newLinkPassword()

	case IntentBan:
		err = reconcileBans(ctx, &c, snap, in.Ban, ids)
	case IntentUnban:
		err = reconcileUnbans(ctx, &c, snap, in.Unban, ids)
	case IntentApproveRequests:
		err = reconcileRequests(ctx, &c, snap, in.ApproveRequests, ids, true)
	case IntentRefuseRequests:
		err = reconcileRequests(ctx, &c, snap, in.RefuseRequests, ids, false)
	case IntentPromotePending:
		err = reconcilePromotions(ctx, &c, snap, in.PromotePending, ids)

	case IntentLeave:
		err = reconcileLeave(&c, snap, editor)
	case IntentAnnouncementOnly:
		if *in.AnnouncementOnly {
			c.NewAnnouncementOnly = EnabledStateEnabled
		} else {
			c.NewAnnouncementOnly = EnabledStateDisabled
		}
	}
	if err != nil {
		return Change{}, err
	}
	return c, nil
}

// reconcileBans classifies each target against the snapshot and emits
// the transitions that move it onto the ban list. A target may be a
// full member, a join requester, an invitee, or absent entirely; each
// case removes the target from its current list (if any) before
// banning. Banning someone already banned is a no-op.
//
// Targets that fail resolution because the account is unregistered are
// still bannable when the caller supplied an explicit identifier, since
// banning an identity that has left the service is a legitimate
// moderation action.
func reconcileBans(ctx context.Context, c *Change, snap *Snapshot, targets []identity.Address, ids identity.Resolver) error {
	now := time.Now().UnixMilli()
	for _, addr := range targets {
		sid, err := resolveBanTarget(ctx, ids, addr)
		if err != nil {
			return err
		}
		switch {
		case snap.IsMember(sid):
			c.DeleteMembers = append(c.DeleteMembers, sid)
		case hasRequesting(snap, sid):
			c.DeleteRequestingMembers = append(c.DeleteRequestingMembers, sid)
		default:
			if pm, ok := snap.FindPendingMember(sid); ok {
				c.DeletePendingMembers = append(c.DeletePendingMembers, PendingRemoval{
					Service:     sid,
					InviteToken: pm.InviteToken,
				})
			}
		}
		if !snap.IsBanned(sid) {
			c.NewBannedMembers = append(c.NewBannedMembers, BannedMember{Service: sid, BannedAt: now})
		}
	}
	return nil
}

func reconcileUnbans(ctx context.Context, c *Change, snap *Snapshot, targets []identity.Address, ids identity.Resolver) error {
	for _, addr := range targets {
		sid, err := resolveBanTarget(ctx, ids, addr)
		if err != nil {
			return err
		}
		if snap.IsBanned(sid) {
			c.DeleteBannedMembers = append(c.DeleteBannedMembers, BannedMember{Service: sid})
		}
	}
	return nil
}

func reconcileAdds(ctx context.Context, c *Change, snap *Snapshot, targets []Candidate, ids identity.Resolver, params SecretParams, editor identity.ServiceID) error {
	for _, cand := range targets {
		sid, err := resolveTarget(ctx, ids, cand.Address)
		if err != nil {
			return err
		}
		if snap.IsMember(sid) {
			continue
		}
		role := cand.Role
		if role == RoleUnknown {
			role = RoleDefault
		}
		if len(cand.ProfileKey) > 0 {
			c.NewMembers = append(c.NewMembers, Member{
				Service:          sid,
				Role:             role,
				ProfileKey:       cand.ProfileKey,
				JoinedAtRevision: c.Revision,
			})
			continue
		}
		// Without a profile key the user can only be invited; they
		// complete the join themselves by accepting.
		if _, ok := snap.FindPendingMember(sid); ok {
			continue
		}
		c.NewPendingMembers = append(c.NewPendingMembers, PendingMember{
			Service:           sid,
			InvitedBy:         editor,
			Role:              role,
			InvitedAtRevision: c.Revision,
			InviteToken:       params.InviteToken(sid),
		})
	}
	return nil
}

func reconcileRemovals(ctx context.Context, c *Change, snap *Snapshot, targets []identity.Address, ids identity.Resolver) error {
	for _, addr := range targets {
		sid, err := resolveTarget(ctx, ids, addr)
		if err != nil {
			return err
		}
		if snap.IsMember(sid) {
			c.DeleteMembers = append(c.DeleteMembers, sid)
			continue
		}
		if pm, ok := snap.FindPendingMember(sid); ok {
			c.DeletePendingMembers = append(c.DeletePendingMembers, PendingRemoval{
				Service:     sid,
				InviteToken: pm.InviteToken,
			})
			continue
		}
		return fmt.Errorf("remove %s: not a member or invitee", sid)
	}
	return nil
}

func reconcileRole(ctx context.Context, c *Change, snap *Snapshot, ru RoleUpdate, ids identity.Resolver) error {
	if ru.Role != RoleDefault && ru.Role != RoleAdministrator {
		return fmt.Errorf("cannot assign role %s", ru.Role)
	}
	sid, err := resolveTarget(ctx, ids, ru.Address)
	if err != nil {
		return err
	}
	if !snap.IsMember(sid) {
		return fmt.Errorf("update role of %s: not a member", sid)
	}
	c.ModifyMemberRoles = append(c.ModifyMemberRoles, RoleChange{Service: sid, Role: ru.Role})
	return nil
}

func reconcileRequests(ctx context.Context, c *Change, snap *Snapshot, targets []identity.Address, ids identity.Resolver, approve bool) error {
	for _, addr := range targets {
		sid, err := resolveTarget(ctx, ids, addr)
		if err != nil {
			return err
		}
		rm, ok := snap.FindRequestingMember(sid)
		if !ok {
			return fmt.Errorf("%s has no pending join request", sid)
		}
		if approve {
			c.PromoteRequestingMembers = append(c.PromoteRequestingMembers, Member{
				Service:          sid,
				Role:             RoleDefault,
				ProfileKey:       rm.ProfileKey,
				JoinedAtRevision: c.Revision,
			})
		} else {
			c.DeleteRequestingMembers = append(c.DeleteRequestingMembers, sid)
		}
	}
	return nil
}

func reconcilePromotions(ctx context.Context, c *Change, snap *Snapshot, targets []identity.Address, ids identity.Resolver) error {
	for _, addr := range targets {
		sid, err := resolveTarget(ctx, ids, addr)
		if err != nil {
			return err
		}
		pm, ok := snap.FindPendingMember(sid)
		if !ok {
			return fmt.Errorf("%s has no pending invitation", sid)
		}
		c.PromotePendingMembers = append(c.PromotePendingMembers, Member{
			Service:          sid,
			Role:             pm.Role,
			JoinedAtRevision: c.Revision,
		})
	}
	return nil
}

func reconcileLeave(c *Change, snap *Snapshot, editor identity.ServiceID) error {
	if snap.IsMember(editor) {
		c.DeleteMembers = append(c.DeleteMembers, editor)
		return nil
	}
	if pm, ok := snap.FindPendingMember(editor); ok {
		c.DeletePendingMembers = append(c.DeletePendingMembers, PendingRemoval{
			Service:     editor,
			InviteToken: pm.InviteToken,
		})
		return nil
	}
	return ErrNotInGroup
}

func reconcileLinkAccess(c *Change, snap *Snapshot, access AccessRequired) error {
	switch access {
	case AccessAny, AccessAdministrator, AccessUnsatisfiable:
	default:
		return fmt.Errorf("invalid invite link access %s", access)
	}
	c.NewInviteLinkAccess = access
	// Enabling the link for the first time also provisions a password.
	if access != AccessUnsatisfiable && len(snap.InviteLinkPassword) == 0 {
		pw, err := newLinkPassword()
		if err != nil {
			return err
		}
		c.InviteLinkPasswordChanged = true
		c.NewInviteLinkPassword = pw
	}
	return nil
}

func checkAttributeAccess(access AccessRequired) error {
	switch access {
	case AccessMember, AccessAdministrator:
		return nil
	default:
		return fmt.Errorf("invalid access %s", access)
	}
}

func resolveTarget(ctx context.Context, ids identity.Resolver, addr identity.Address) (identity.ServiceID, error) {
	sid, err := ids.Resolve(ctx, addr)
	if err != nil {
		return identity.NilServiceID, &UnresolvedIdentityError{Address: addr, Err: err}
	}
	return sid, nil
}

// resolveBanTarget is resolveTarget with one accommodation: an address
// whose account is no longer registered still resolves when the caller
// supplied an explicit service identifier.
func resolveBanTarget(ctx context.Context, ids identity.Resolver, addr identity.Address) (identity.ServiceID, error) {
	sid, err := ids.Resolve(ctx, addr)
	if err != nil {
		if errors.Is(err, identity.ErrUnregistered) && addr.HasServiceID() {
			return addr.Service, nil
		}
		return identity.NilServiceID, &UnresolvedIdentityError{Address: addr, Err: err}
	}
	return sid, nil
}

func hasRequesting(snap *Snapshot, sid identity.ServiceID) bool {
	_, ok := snap.FindRequestingMember(sid)
	return ok
}

func newLinkPassword() ([]byte, error) {
	pw := make([]byte, linkPasswordSize)
	if _, err := rand.Read(pw); err != nil {
		return nil, fmt.Errorf("generating invite link password: %w", err)
	}
	return pw, nil
}
