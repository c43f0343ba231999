package group

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/quietwire/groupd/pkg/wire"
)

// JoinInfo is the decrypted invite-link preview: what a prospective
// member learns about a group before joining through its link.
type JoinInfo struct {
	Revision          uint64         `cbor:"rev"`
	Title             string         `cbor:"title"`
	Description       string         `cbor:"desc,omitempty"`
	Avatar            string         `cbor:"avatar,omitempty"`
	MemberCount       int            `cbor:"members"`
	AddFromInviteLink AccessRequired `cbor:"access"`
}

// RequiresAdminApproval reports whether joining via the link lands the
// user in the requesting list rather than full membership.
func (j JoinInfo) RequiresAdminApproval() bool {
	return j.AddFromInviteLink == AccessAdministrator
}

// InviteLink is the decoded content of a group invite URL: the master
// key (the link is a capability) and the current link password.
type InviteLink struct {
	MasterKey MasterKey `cbor:"mk"`
	Password  []byte    `cbor:"pw"`
}

// inviteLinkHost is the well-known host of group invite URLs.
const inviteLinkHost = "group.quietwire.org"

// EncodeInviteLink renders an invite URL. The payload travels in the
// URL fragment, which user agents do not send to servers.
func EncodeInviteLink(link InviteLink) (string, error) {
	if len(link.Password) == 0 {
		return "", ErrLinkInactive
	}
	raw, err := wire.Marshal(link)
	if err != nil {
		return "", fmt.Errorf("encode invite link: %w", err)
	}
	return "https://" + inviteLinkHost + "/#" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeInviteLink parses an invite URL back into its components.
// Accepts both padded and unpadded base64url fragments.
func DecodeInviteLink(s string) (InviteLink, error) {
	u, err := url.Parse(s)
	if err != nil {
		return InviteLink{}, fmt.Errorf("parse invite link: %w", err)
	}
	fragment := u.Fragment
	if fragment == "" {
		return InviteLink{}, fmt.Errorf("invite link has no fragment")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(fragment, "="))
	if err != nil {
		return InviteLink{}, fmt.Errorf("decode invite link fragment: %w", err)
	}
	var link InviteLink
	if err := wire.Unmarshal(raw, &link); err != nil {
		return InviteLink{}, fmt.Errorf("decode invite link payload: %w", err)
	}
	if len(link.Password) == 0 {
		return InviteLink{}, ErrLinkInactive
	}
	return link, nil
}
