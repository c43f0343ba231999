package group

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/quietwire/groupd/pkg/identity"
)

// RoleChange assigns a new role to an existing member.
type RoleChange struct {
	Service identity.ServiceID `cbor:"sid"`
	Role    Role               `cbor:"role"`
}

// PendingRemoval revokes a pending invitation. The invite-specific
// token is the authoritative handle; when present it must match the
// invitation being removed.
type PendingRemoval struct {
	Service     identity.ServiceID `cbor:"sid"`
	InviteToken []byte             `cbor:"tok,omitempty"`
}

// Change is the structured form of one group mutation: built locally
// when submitting a change action, and recovered by decrypting a change
// record. Only the fields relevant to the particular mutation are set.
// A change moves the group from revision Revision-1 to Revision and is
// attributed to Editor.
type Change struct {
	Editor   identity.ServiceID `cbor:"editor"`
	Revision uint64             `cbor:"rev"`

	NewMembers          []Member             `cbor:"nm,omitempty"`
	DeleteMembers       []identity.ServiceID `cbor:"dm,omitempty"`
	ModifyMemberRoles   []RoleChange         `cbor:"mr,omitempty"`
	ModifiedProfileKeys []Member             `cbor:"mpk,omitempty"`

	NewPendingMembers     []PendingMember  `cbor:"npm,omitempty"`
	DeletePendingMembers  []PendingRemoval `cbor:"dpm,omitempty"`
	PromotePendingMembers []Member         `cbor:"ppm,omitempty"`

	NewRequestingMembers     []RequestingMember   `cbor:"nrm,omitempty"`
	DeleteRequestingMembers  []identity.ServiceID `cbor:"drm,omitempty"`
	PromoteRequestingMembers []Member             `cbor:"prm,omitempty"`

	NewBannedMembers    []BannedMember `cbor:"nbm,omitempty"`
	DeleteBannedMembers []BannedMember `cbor:"dbm,omitempty"`

	NewTitle       *string `cbor:"title,omitempty"`
	NewDescription *string `cbor:"desc,omitempty"`
	NewAvatar      *string `cbor:"avatar,omitempty"`
	NewTimer       *uint32 `cbor:"timer,omitempty"`

	NewAttributeAccess  AccessRequired `cbor:"aattr,omitempty"`
	NewMemberAccess     AccessRequired `cbor:"amem,omitempty"`
	NewInviteLinkAccess AccessRequired `cbor:"alink,omitempty"`

	InviteLinkPasswordChanged bool   `cbor:"lpc,omitempty"`
	NewInviteLinkPassword     []byte `cbor:"lpw,omitempty"`

	NewAnnouncementOnly EnabledState `cbor:"announce,omitempty"`
}

// AffectsMembership reports whether the change touches any membership
// list. Membership changes are fanned out with the signed record
// attached so peers can apply them without a server round trip.
func (c *Change) AffectsMembership() bool {
	return len(c.NewMembers) > 0 || len(c.DeleteMembers) > 0 ||
		len(c.ModifyMemberRoles) > 0 ||
		len(c.NewPendingMembers) > 0 || len(c.DeletePendingMembers) > 0 ||
		len(c.PromotePendingMembers) > 0 ||
		len(c.NewRequestingMembers) > 0 || len(c.DeleteRequestingMembers) > 0 ||
		len(c.PromoteRequestingMembers) > 0 ||
		len(c.NewBannedMembers) > 0 || len(c.DeleteBannedMembers) > 0
}

// IsEmpty reports whether the change carries no mutation at all.
func (c *Change) IsEmpty() bool {
	return !c.AffectsMembership() &&
		len(c.ModifiedProfileKeys) == 0 &&
		c.NewTitle == nil && c.NewDescription == nil &&
		c.NewAvatar == nil && c.NewTimer == nil &&
		c.NewAttributeAccess == AccessUnknown &&
		c.NewMemberAccess == AccessUnknown &&
		c.NewInviteLinkAccess == AccessUnknown &&
		!c.InviteLinkPasswordChanged &&
		c.NewAnnouncementOnly == EnabledStateUnknown
}

// Apply produces the snapshot that results from applying c to s. It is
// a pure function: s is not modified. The change must target exactly
// the next revision; structural mismatches (removing an absent member,
// promoting an unknown invitee) are errors so that replay over a
// truncated or inconsistent log fails loudly instead of drifting.
func Apply(s Snapshot, c Change) (Snapshot, error) {
	if c.Revision != s.Revision+1 {
		return Snapshot{}, fmt.Errorf("change targets revision %d, snapshot is at %d", c.Revision, s.Revision)
	}

	next := s.Clone()
	next.Revision = c.Revision

	for _, m := range c.NewMembers {
		if next.IsMember(m.Service) {
			continue
		}
		// A user may be re-added while still listed as invited or
		// requesting; membership lists stay disjoint.
		next.PendingMembers = deletePending(next.PendingMembers, m.Service)
		next.RequestingMembers = deleteRequesting(next.RequestingMembers, m.Service)
		next.Members = append(next.Members, m)
	}

	for _, sid := range c.DeleteMembers {
		var ok bool
		next.Members, ok = deleteMember(next.Members, sid)
		if !ok {
			return Snapshot{}, fmt.Errorf("delete member %s: not a member", sid)
		}
	}

	for _, rc := range c.ModifyMemberRoles {
		if !setRole(next.Members, rc.Service, rc.Role) {
			return Snapshot{}, fmt.Errorf("modify role of %s: not a member", rc.Service)
		}
	}

	for _, m := range c.ModifiedProfileKeys {
		if !setProfileKey(next.Members, m.Service, m.ProfileKey) {
			return Snapshot{}, fmt.Errorf("modify profile key of %s: not a member", m.Service)
		}
	}

	for _, pm := range c.NewPendingMembers {
		if _, ok := next.FindPendingMember(pm.Service); ok || next.IsMember(pm.Service) {
			continue
		}
		next.PendingMembers = append(next.PendingMembers, pm)
	}

	for _, pr := range c.DeletePendingMembers {
		pm, ok := next.FindPendingMember(pr.Service)
		if !ok {
			return Snapshot{}, fmt.Errorf("delete pending member %s: not pending", pr.Service)
		}
		if len(pr.InviteToken) > 0 && !bytes.Equal(pr.InviteToken, pm.InviteToken) {
			return Snapshot{}, fmt.Errorf("delete pending member %s: invite token mismatch", pr.Service)
		}
		next.PendingMembers = deletePending(next.PendingMembers, pr.Service)
	}

	for _, m := range c.PromotePendingMembers {
		if _, ok := next.FindPendingMember(m.Service); !ok {
			return Snapshot{}, fmt.Errorf("promote pending member %s: not pending", m.Service)
		}
		next.PendingMembers = deletePending(next.PendingMembers, m.Service)
		next.Members = append(next.Members, m)
	}

	for _, rm := range c.NewRequestingMembers {
		if _, ok := next.FindRequestingMember(rm.Service); ok || next.IsMember(rm.Service) {
			continue
		}
		next.RequestingMembers = append(next.RequestingMembers, rm)
	}

	for _, sid := range c.DeleteRequestingMembers {
		if _, ok := next.FindRequestingMember(sid); !ok {
			return Snapshot{}, fmt.Errorf("delete requesting member %s: not requesting", sid)
		}
		next.RequestingMembers = deleteRequesting(next.RequestingMembers, sid)
	}

	for _, m := range c.PromoteRequestingMembers {
		if _, ok := next.FindRequestingMember(m.Service); !ok {
			return Snapshot{}, fmt.Errorf("promote requesting member %s: not requesting", m.Service)
		}
		next.RequestingMembers = deleteRequesting(next.RequestingMembers, m.Service)
		next.Members = append(next.Members, m)
	}

	// Ban list operations are idempotent: banning an already-banned
	// identity or unbanning an unknown one is a no-op rather than an
	// error, since independent admins race on these.
	for _, b := range c.NewBannedMembers {
		if !next.IsBanned(b.Service) {
			next.BannedMembers = append(next.BannedMembers, b)
		}
	}
	for _, b := range c.DeleteBannedMembers {
		next.BannedMembers = slices.DeleteFunc(next.BannedMembers, func(x BannedMember) bool {
			return x.Service == b.Service
		})
	}

	if c.NewTitle != nil {
		next.Title = *c.NewTitle
	}
	if c.NewDescription != nil {
		next.Description = *c.NewDescription
	}
	if c.NewAvatar != nil {
		next.Avatar = *c.NewAvatar
	}
	if c.NewTimer != nil {
		next.Timer = *c.NewTimer
	}
	if c.NewAttributeAccess != AccessUnknown {
		next.AccessControl.Attributes = c.NewAttributeAccess
	}
	if c.NewMemberAccess != AccessUnknown {
		next.AccessControl.Members = c.NewMemberAccess
	}
	if c.NewInviteLinkAccess != AccessUnknown {
		next.AccessControl.InviteLink = c.NewInviteLinkAccess
	}
	if c.InviteLinkPasswordChanged {
		next.InviteLinkPassword = slices.Clone(c.NewInviteLinkPassword)
	}
	switch c.NewAnnouncementOnly {
	case EnabledStateEnabled:
		next.AnnouncementOnly = true
	case EnabledStateDisabled:
		next.AnnouncementOnly = false
	}

	if err := next.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("applying change to revision %d: %w", c.Revision, err)
	}
	return next, nil
}

func deleteMember(members []Member, sid identity.ServiceID) ([]Member, bool) {
	for i, m := range members {
		if m.Service == sid {
			return slices.Delete(members, i, i+1), true
		}
	}
	return members, false
}

func deletePending(members []PendingMember, sid identity.ServiceID) []PendingMember {
	return slices.DeleteFunc(members, func(m PendingMember) bool { return m.Service == sid })
}

func deleteRequesting(members []RequestingMember, sid identity.ServiceID) []RequestingMember {
	return slices.DeleteFunc(members, func(m RequestingMember) bool { return m.Service == sid })
}

func setRole(members []Member, sid identity.ServiceID, role Role) bool {
	for i := range members {
		if members[i].Service == sid {
			members[i].Role = role
			return true
		}
	}
	return false
}

func setProfileKey(members []Member, sid identity.ServiceID, key []byte) bool {
	for i := range members {
		if members[i].Service == sid {
			members[i].ProfileKey = slices.Clone(key)
			return true
		}
	}
	return false
}
