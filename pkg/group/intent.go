package group

import (
	"crypto/ed25519"

	"github.com/quietwire/groupd/pkg/identity"
)

// Candidate describes a user to add to the group. ProfileKey, when
// known, lets the user be added as a full member immediately; without
// it the user becomes a pending member and, if PublicKey is supplied,
// receives a sealed copy of the master key in the outbound update.
type Candidate struct {
	Address    identity.Address
	Role       Role
	ProfileKey []byte
	PublicKey  ed25519.PublicKey
}

// RoleUpdate assigns a new role to an existing member.
type RoleUpdate struct {
	Address identity.Address
	Role    Role
}

// IntentKind names a mutation kind.
type IntentKind string

const (
	IntentTitle            IntentKind = "title"
	IntentDescription      IntentKind = "description"
	IntentAvatar           IntentKind = "avatar"
	IntentTimer            IntentKind = "timer"
	IntentAddMembers       IntentKind = "add_members"
	IntentRemoveMembers    IntentKind = "remove_members"
	IntentUpdateRole       IntentKind = "update_role"
	IntentAccessAttributes IntentKind = "access_attributes"
	IntentAccessMembers    IntentKind = "access_members"
	IntentAccessInviteLink IntentKind = "access_invite_link"
	IntentResetInviteLink  IntentKind = "reset_invite_link"
	IntentBan              IntentKind = "ban"
	IntentUnban            IntentKind = "unban"
	IntentApproveRequests  IntentKind = "approve_requests"
	IntentRefuseRequests   IntentKind = "refuse_requests"
	IntentPromotePending   IntentKind = "promote_pending"
	IntentLeave            IntentKind = "leave"
	IntentAnnouncementOnly IntentKind = "announcement_only"
)

// Intent is a client-initiated mutation. Exactly one field group may be
// set per intent: the change-action format carries one mutation kind
// per submission, so unrelated mutations (say, a title change and a
// member add) are two intents, not one.
type Intent struct {
	Title       *string
	Description *string
	// Avatar is new image data; it is uploaded and the resulting
	// reference recorded in the change.
	Avatar []byte
	Timer  *uint32

	AddMembers    []Candidate
	RemoveMembers []identity.Address
	UpdateRole    *RoleUpdate

	AccessAttributes *AccessRequired
	AccessMembers    *AccessRequired
	AccessInviteLink *AccessRequired
	ResetInviteLink  bool

	Ban             []identity.Address
	Unban           []identity.Address
	ApproveRequests []identity.Address
	RefuseRequests  []identity.Address
	// PromotePending accepts pending invitations, moving the listed
	// invitees (typically the caller accepting their own invite) to
	// full membership.
	PromotePending []identity.Address

	Leave            bool
	AnnouncementOnly *bool
}

// Kind returns the single mutation kind this intent expresses, or
// ErrEmptyIntent / ErrAmbiguousIntent.
func (in *Intent) Kind() (IntentKind, error) {
	var kinds []IntentKind
	add := func(set bool, k IntentKind) {
		if set {
			kinds = append(kinds, k)
		}
	}
	add(in.Title != nil, IntentTitle)
	add(in.Description != nil, IntentDescription)
	add(len(in.Avatar) > 0, IntentAvatar)
	add(in.Timer != nil, IntentTimer)
	add(len(in.AddMembers) > 0, IntentAddMembers)
	add(len(in.RemoveMembers) > 0, IntentRemoveMembers)
	add(in.UpdateRole != nil, IntentUpdateRole)
	add(in.AccessAttributes != nil, IntentAccessAttributes)
	add(in.AccessMembers != nil, IntentAccessMembers)
	add(in.AccessInviteLink != nil, IntentAccessInviteLink)
	add(in.ResetInviteLink, IntentResetInviteLink)
	add(len(in.Ban) > 0, IntentBan)
	add(len(in.Unban) > 0, IntentUnban)
	add(len(in.ApproveRequests) > 0, IntentApproveRequests)
	add(len(in.RefuseRequests) > 0, IntentRefuseRequests)
	add(len(in.PromotePending) > 0, IntentPromotePending)
	add(in.Leave, IntentLeave)
	add(in.AnnouncementOnly != nil, IntentAnnouncementOnly)

	switch len(kinds) {
	case 0:
		return "", ErrEmptyIntent
	case 1:
		return kinds[0], nil
	default:
		return "", ErrAmbiguousIntent
	}
}
