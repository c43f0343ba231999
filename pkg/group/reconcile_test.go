package group

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/quietwire/groupd/pkg/identity"
)

func reconcileFixture() (Snapshot, SecretParams, identity.ServiceID) {
	mk := MasterKey{1}
	params := DeriveSecretParams(mk)
	admin := identity.NewServiceID()
	snap := baseSnapshot(5, member(admin, RoleAdministrator))
	return snap, params, admin
}

func TestBanClassification(t *testing.T) {
	snap, params, admin := reconcileFixture()
	full := identity.NewServiceID()
	requesting := identity.NewServiceID()
	pending := identity.NewServiceID()
	absent := identity.NewServiceID()

	snap.Members = append(snap.Members, member(full, RoleDefault))
	snap.RequestingMembers = []RequestingMember{{Service: requesting, RequestedAtRevision: 5}}
	snap.PendingMembers = []PendingMember{{
		Service: pending, InvitedBy: admin, Role: RoleDefault, InvitedAtRevision: 4,
		InviteToken: params.InviteToken(pending),
	}}

	ids := staticResolver{}
	cases := []struct {
		name   string
		target identity.ServiceID
		check  func(t *testing.T, c Change)
	}{
		{"full member", full, func(t *testing.T, c Change) {
			if len(c.DeleteMembers) != 1 || c.DeleteMembers[0] != full {
				t.Error("should remove from members")
			}
		}},
		{"requesting", requesting, func(t *testing.T, c Change) {
			if len(c.DeleteRequestingMembers) != 1 || c.DeleteRequestingMembers[0] != requesting {
				t.Error("should refuse the join request")
			}
		}},
		{"pending", pending, func(t *testing.T, c Change) {
			if len(c.DeletePendingMembers) != 1 {
				t.Fatal("should revoke the invitation")
			}
			if !bytes.Equal(c.DeletePendingMembers[0].InviteToken, params.InviteToken(pending)) {
				t.Error("revocation should carry the invite token")
			}
		}},
		{"absent", absent, func(t *testing.T, c Change) {
			if c.DeleteMembers != nil || c.DeleteRequestingMembers != nil || c.DeletePendingMembers != nil {
				t.Error("absent target should only be banned")
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Reconcile(context.Background(), &snap, Intent{Ban: []identity.Address{sidAddr(tc.target)}}, ids, params, admin, "")
			if err != nil {
				t.Fatal(err)
			}
			if c.Revision != 6 {
				t.Errorf("change should target revision 6, got %d", c.Revision)
			}
			if len(c.NewBannedMembers) != 1 || c.NewBannedMembers[0].Service != tc.target {
				t.Fatal("target should be banned")
			}
			tc.check(t, c)

			next, err := Apply(snap, c)
			if err != nil {
				t.Fatal(err)
			}
			if !next.IsBanned(tc.target) {
				t.Error("target should be banned after apply")
			}
			if err := next.Validate(); err != nil {
				t.Errorf("lists not disjoint: %v", err)
			}
		})
	}
}

func TestBanUnregistered(t *testing.T) {
	snap, params, admin := reconcileFixture()
	gone := identity.NewServiceID()
	ids := staticResolver{unregistered: map[identity.ServiceID]bool{gone: true}}

	// With an explicit identifier the ban proceeds.
	c, err := Reconcile(context.Background(), &snap, Intent{Ban: []identity.Address{sidAddr(gone)}}, ids, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.NewBannedMembers) != 1 || c.NewBannedMembers[0].Service != gone {
		t.Error("explicitly identified unregistered user should be bannable")
	}

	// Without one it is an unresolvable address.
	_, err = Reconcile(context.Background(), &snap, Intent{Ban: []identity.Address{{Number: "+15550100"}}}, ids, params, admin, "")
	var unresolved *UnresolvedIdentityError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedIdentityError, got %v", err)
	}
}

func TestUnban(t *testing.T) {
	snap, params, admin := reconcileFixture()
	banned := identity.NewServiceID()
	snap.BannedMembers = []BannedMember{{Service: banned, BannedAt: 1}}

	c, err := Reconcile(context.Background(), &snap, Intent{Unban: []identity.Address{sidAddr(banned)}}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.DeleteBannedMembers) != 1 || c.DeleteBannedMembers[0].Service != banned {
		t.Fatal("should unban the target")
	}

	// Unbanning someone not banned is a no-op change.
	c, err = Reconcile(context.Background(), &snap, Intent{Unban: []identity.Address{sidAddr(identity.NewServiceID())}}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsEmpty() {
		t.Error("unban of an unbanned identity should produce an empty change")
	}
}

func TestAddMembers(t *testing.T) {
	snap, params, admin := reconcileFixture()
	withKey := identity.NewServiceID()
	withoutKey := identity.NewServiceID()

	in := Intent{AddMembers: []Candidate{
		{Address: sidAddr(withKey), ProfileKey: []byte("pk")},
		{Address: sidAddr(withoutKey), Role: RoleAdministrator},
		{Address: sidAddr(admin)}, // already a member
	}}
	c, err := Reconcile(context.Background(), &snap, in, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.NewMembers) != 1 || c.NewMembers[0].Service != withKey {
		t.Fatal("candidate with profile key should become a full member")
	}
	if c.NewMembers[0].JoinedAtRevision != 6 {
		t.Error("join revision should be the change's target revision")
	}
	if len(c.NewPendingMembers) != 1 {
		t.Fatal("candidate without profile key should be invited")
	}
	pm := c.NewPendingMembers[0]
	if pm.Service != withoutKey || pm.InvitedBy != admin || pm.Role != RoleAdministrator {
		t.Error("invitation fields wrong")
	}
	if !bytes.Equal(pm.InviteToken, params.InviteToken(withoutKey)) {
		t.Error("invitation should carry the derived invite token")
	}
}

func TestRemoveMembers(t *testing.T) {
	snap, params, admin := reconcileFixture()
	bob := identity.NewServiceID()
	invited := identity.NewServiceID()
	snap.Members = append(snap.Members, member(bob, RoleDefault))
	snap.PendingMembers = []PendingMember{{
		Service: invited, InvitedBy: admin, InvitedAtRevision: 3, InviteToken: params.InviteToken(invited),
	}}

	c, err := Reconcile(context.Background(), &snap, Intent{RemoveMembers: []identity.Address{sidAddr(bob), sidAddr(invited)}}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.DeleteMembers) != 1 || c.DeleteMembers[0] != bob {
		t.Error("bob should be removed")
	}
	if len(c.DeletePendingMembers) != 1 || c.DeletePendingMembers[0].Service != invited {
		t.Error("invitation should be revoked")
	}

	_, err = Reconcile(context.Background(), &snap, Intent{RemoveMembers: []identity.Address{sidAddr(identity.NewServiceID())}}, staticResolver{}, params, admin, "")
	if err == nil {
		t.Fatal("expected error removing a non-member")
	}
}

func TestUpdateRole(t *testing.T) {
	snap, params, admin := reconcileFixture()
	bob := identity.NewServiceID()
	snap.Members = append(snap.Members, member(bob, RoleDefault))

	c, err := Reconcile(context.Background(), &snap, Intent{UpdateRole: &RoleUpdate{Address: sidAddr(bob), Role: RoleAdministrator}}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.ModifyMemberRoles) != 1 || c.ModifyMemberRoles[0].Role != RoleAdministrator {
		t.Fatal("role change missing")
	}

	_, err = Reconcile(context.Background(), &snap, Intent{UpdateRole: &RoleUpdate{Address: sidAddr(bob), Role: RoleUnknown}}, staticResolver{}, params, admin, "")
	if err == nil {
		t.Fatal("expected error assigning an unknown role")
	}
}

func TestApproveAndRefuseRequests(t *testing.T) {
	snap, params, admin := reconcileFixture()
	carol := identity.NewServiceID()
	snap.RequestingMembers = []RequestingMember{{Service: carol, ProfileKey: []byte("ck"), RequestedAtRevision: 5}}

	c, err := Reconcile(context.Background(), &snap, Intent{ApproveRequests: []identity.Address{sidAddr(carol)}}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.PromoteRequestingMembers) != 1 {
		t.Fatal("approval should promote the requester")
	}
	if !bytes.Equal(c.PromoteRequestingMembers[0].ProfileKey, []byte("ck")) {
		t.Error("promotion should carry the requester's profile key")
	}

	c, err = Reconcile(context.Background(), &snap, Intent{RefuseRequests: []identity.Address{sidAddr(carol)}}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.DeleteRequestingMembers) != 1 {
		t.Fatal("refusal should delete the request")
	}

	_, err = Reconcile(context.Background(), &snap, Intent{ApproveRequests: []identity.Address{sidAddr(identity.NewServiceID())}}, staticResolver{}, params, admin, "")
	if err == nil {
		t.Fatal("expected error approving an absent request")
	}
}

func TestPromotePending(t *testing.T) {
	snap, params, admin := reconcileFixture()
	invited := identity.NewServiceID()
	snap.PendingMembers = []PendingMember{{
		Service: invited, InvitedBy: admin, Role: RoleDefault, InvitedAtRevision: 4,
		InviteToken: params.InviteToken(invited),
	}}

	c, err := Reconcile(context.Background(), &snap, Intent{PromotePending: []identity.Address{sidAddr(invited)}}, staticResolver{}, params, invited, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.PromotePendingMembers) != 1 || c.PromotePendingMembers[0].Service != invited {
		t.Fatal("acceptance should promote the invitee")
	}
	next, err := Apply(snap, c)
	if err != nil {
		t.Fatal(err)
	}
	if !next.IsMember(invited) || len(next.PendingMembers) != 0 {
		t.Error("invitee should be a full member after accepting")
	}
}

func TestLeave(t *testing.T) {
	snap, params, admin := reconcileFixture()
	bob := identity.NewServiceID()
	snap.Members = append(snap.Members, member(bob, RoleDefault))

	c, err := Reconcile(context.Background(), &snap, Intent{Leave: true}, staticResolver{}, params, bob, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.DeleteMembers) != 1 || c.DeleteMembers[0] != bob {
		t.Error("leaving should remove the editor")
	}

	_, err = Reconcile(context.Background(), &snap, Intent{Leave: true}, staticResolver{}, params, identity.NewServiceID(), "")
	if !errors.Is(err, ErrNotInGroup) {
		t.Fatalf("expected ErrNotInGroup, got %v", err)
	}
	_ = admin
}

func TestLinkAccessProvisionsPassword(t *testing.T) {
	snap, params, admin := reconcileFixture()
	access := AccessAny

	c, err := Reconcile(context.Background(), &snap, Intent{AccessInviteLink: &access}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if c.NewInviteLinkAccess != AccessAny {
		t.Error("access change missing")
	}
	if !c.InviteLinkPasswordChanged || len(c.NewInviteLinkPassword) != linkPasswordSize {
		t.Error("enabling the link should provision a password")
	}

	// With a password already set, only the access changes.
	snap.InviteLinkPassword = []byte("existing")
	c, err = Reconcile(context.Background(), &snap, Intent{AccessInviteLink: &access}, staticResolver{}, params, admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if c.InviteLinkPasswordChanged {
		t.Error("existing password should be kept")
	}
}

func TestReconcileIntentValidation(t *testing.T) {
	snap, params, admin := reconcileFixture()

	_, err := Reconcile(context.Background(), &snap, Intent{}, staticResolver{}, params, admin, "")
	if !errors.Is(err, ErrEmptyIntent) {
		t.Fatalf("expected ErrEmptyIntent, got %v", err)
	}

	title := "t"
	_, err = Reconcile(context.Background(), &snap, Intent{Title: &title, Leave: true}, staticResolver{}, params, admin, "")
	if !errors.Is(err, ErrAmbiguousIntent) {
		t.Fatalf("expected ErrAmbiguousIntent, got %v", err)
	}
}
