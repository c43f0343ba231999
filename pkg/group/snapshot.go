package group

import (
	"fmt"
	"slices"

	"github.com/quietwire/groupd/pkg/identity"
)

// Member is a full group member.
type Member struct {
	Service          identity.ServiceID `cbor:"sid"`
	Role             Role               `cbor:"role"`
	ProfileKey       []byte             `cbor:"pk,omitempty"`
	JoinedAtRevision uint64             `cbor:"jar"`
}

// PendingMember is a user who has been invited but has not joined.
// InviteToken is the invite-specific revocation handle: removing or
// banning a pending member references the token, not the service
// identifier, because an invitee may not yet have proven control of
// their identifier.
type PendingMember struct {
	Service           identity.ServiceID `cbor:"sid"`
	InvitedBy         identity.ServiceID `cbor:"by"`
	Role              Role               `cbor:"role"`
	InvitedAtRevision uint64             `cbor:"iar"`
	InviteToken       []byte             `cbor:"tok"`
}

// RequestingMember is a user who has asked to join via the invite link
// and awaits admin action.
type RequestingMember struct {
	Service             identity.ServiceID `cbor:"sid"`
	ProfileKey          []byte             `cbor:"pk,omitempty"`
	RequestedAtRevision uint64             `cbor:"rar"`
}

// BannedMember is an identity barred from joining or requesting.
type BannedMember struct {
	Service  identity.ServiceID `cbor:"sid"`
	BannedAt int64              `cbor:"at,omitempty"`
}

// AccessControl is the group's per-action policy.
type AccessControl struct {
	Attributes AccessRequired `cbor:"attr"`
	Members    AccessRequired `cbor:"mem"`
	InviteLink AccessRequired `cbor:"link"`
}

// Snapshot is the full decrypted group state at one revision. Snapshots
// are values: mutations produce a new snapshot at the next revision and
// never modify one in place.
type Snapshot struct {
	Revision           uint64             `cbor:"rev"`
	Title              string             `cbor:"title"`
	Description        string             `cbor:"desc,omitempty"`
	Avatar             string             `cbor:"avatar,omitempty"`
	Timer              uint32             `cbor:"timer,omitempty"`
	Members            []Member           `cbor:"members,omitempty"`
	PendingMembers     []PendingMember    `cbor:"pending,omitempty"`
	RequestingMembers  []RequestingMember `cbor:"requesting,omitempty"`
	BannedMembers      []BannedMember     `cbor:"banned,omitempty"`
	AccessControl      AccessControl      `cbor:"access"`
	InviteLinkPassword []byte             `cbor:"linkpw,omitempty"`
	AnnouncementOnly   bool               `cbor:"announce,omitempty"`
}

// FindMember returns the member with the given identifier, if any.
func (s *Snapshot) FindMember(sid identity.ServiceID) (Member, bool) {
	for _, m := range s.Members {
		if m.Service == sid {
			return m, true
		}
	}
	return Member{}, false
}

// FindPendingMember returns the pending member with the given
// identifier, if any.
func (s *Snapshot) FindPendingMember(sid identity.ServiceID) (PendingMember, bool) {
	for _, m := range s.PendingMembers {
		if m.Service == sid {
			return m, true
		}
	}
	return PendingMember{}, false
}

// FindRequestingMember returns the requesting member with the given
// identifier, if any.
func (s *Snapshot) FindRequestingMember(sid identity.ServiceID) (RequestingMember, bool) {
	for _, m := range s.RequestingMembers {
		if m.Service == sid {
			return m, true
		}
	}
	return RequestingMember{}, false
}

// IsMember reports whether sid is a full member.
func (s *Snapshot) IsMember(sid identity.ServiceID) bool {
	_, ok := s.FindMember(sid)
	return ok
}

// IsAdministrator reports whether sid is a member with the
// administrator role.
func (s *Snapshot) IsAdministrator(sid identity.ServiceID) bool {
	m, ok := s.FindMember(sid)
	return ok && m.Role == RoleAdministrator
}

// IsBanned reports whether sid is banned.
func (s *Snapshot) IsBanned(sid identity.ServiceID) bool {
	for _, b := range s.BannedMembers {
		if b.Service == sid {
			return true
		}
	}
	return false
}

// LinkEnabled reports whether the invite link is currently usable.
func (s *Snapshot) LinkEnabled() bool {
	return len(s.InviteLinkPassword) > 0 &&
		s.AccessControl.InviteLink != AccessUnsatisfiable &&
		s.AccessControl.InviteLink != AccessUnknown
}

// Clone returns a deep copy. Callers that derive a new snapshot start
// from a clone so the original value is never aliased.
func (s *Snapshot) Clone() Snapshot {
	out := *s
	out.Members = slices.Clone(s.Members)
	for i := range out.Members {
		out.Members[i].ProfileKey = slices.Clone(out.Members[i].ProfileKey)
	}
	out.PendingMembers = slices.Clone(s.PendingMembers)
	for i := range out.PendingMembers {
		out.PendingMembers[i].InviteToken = slices.Clone(out.PendingMembers[i].InviteToken)
	}
	out.RequestingMembers = slices.Clone(s.RequestingMembers)
	for i := range out.RequestingMembers {
		out.RequestingMembers[i].ProfileKey = slices.Clone(out.RequestingMembers[i].ProfileKey)
	}
	out.BannedMembers = slices.Clone(s.BannedMembers)
	out.InviteLinkPassword = slices.Clone(s.InviteLinkPassword)
	return out
}

// Validate checks the structural invariants: identifiers unique within
// each list and the four membership lists pairwise disjoint.
func (s *Snapshot) Validate() error {
	seen := make(map[identity.ServiceID]string, len(s.Members)+len(s.PendingMembers)+len(s.RequestingMembers)+len(s.BannedMembers))
	check := func(sid identity.ServiceID, list string) error {
		if sid.IsZero() {
			return fmt.Errorf("%s: zero service id", list)
		}
		if prev, ok := seen[sid]; ok {
			if prev == list {
				return fmt.Errorf("%s: duplicate service id %s", list, sid)
			}
			return fmt.Errorf("service id %s present in both %s and %s", sid, prev, list)
		}
		seen[sid] = list
		return nil
	}
	for _, m := range s.Members {
		if err := check(m.Service, "members"); err != nil {
			return err
		}
	}
	for _, m := range s.PendingMembers {
		if err := check(m.Service, "pending"); err != nil {
			return err
		}
	}
	for _, m := range s.RequestingMembers {
		if err := check(m.Service, "requesting"); err != nil {
			return err
		}
	}
	for _, b := range s.BannedMembers {
		if err := check(b.Service, "banned"); err != nil {
			return err
		}
	}
	return nil
}

// MemberIDs returns the service identifiers of all full members.
func (s *Snapshot) MemberIDs() []identity.ServiceID {
	out := make([]identity.ServiceID, len(s.Members))
	for i, m := range s.Members {
		out[i] = m.Service
	}
	return out
}
