// Package group implements the client side of end-to-end-encrypted
// group state: immutable revisioned snapshots, signed change actions,
// reconciliation of local state against the server's revision log, and
// decoding of opaque change records into structured diffs.
//
// The authoritative copy of a group lives on a server that only ever
// sees ciphertext. Everything the server stores or returns is opaque
// (pkg/wire); this package decrypts, verifies, and reasons about the
// plaintext using the group's secret parameters derived from its master
// key.
package group

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// MasterKey is the group's master secret. Everyone who holds it is able
// to derive the group identifier and the key material for reading and
// writing group state. It is distributed to members out of band (invite
// messages, join links) and never sent to the server.
type MasterKey [32]byte

// NewMasterKey generates a fresh random master key.
func NewMasterKey() (MasterKey, error) {
	var mk MasterKey
	if _, err := rand.Read(mk[:]); err != nil {
		return MasterKey{}, fmt.Errorf("generate master key: %w", err)
	}
	return mk, nil
}

// MasterKeyFromBytes copies a 32-byte slice into a MasterKey.
func MasterKeyFromBytes(b []byte) (MasterKey, error) {
	if len(b) != len(MasterKey{}) {
		return MasterKey{}, fmt.Errorf("master key must be %d bytes, got %d", len(MasterKey{}), len(b))
	}
	var mk MasterKey
	copy(mk[:], b)
	return mk, nil
}

// ID identifies a group. It is deterministically derived from the
// master key but does not reveal it, so it is safe to use as a storage
// key and to show to the server.
type ID [32]byte

// DeriveID computes the group identifier for a master key.
func DeriveID(mk MasterKey) ID {
	out, err := hkdf.Key(sha256.New, mk[:], nil, "groupd/v1/group-id", len(ID{}))
	if err != nil {
		// Only reachable with a broken hash or absurd length.
		panic("derive group id: " + err.Error())
	}
	var id ID
	copy(id[:], out)
	return id
}

// ParseID parses an identifier from its canonical base64url form.
func ParseID(s string) (ID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse group id: %w", err)
	}
	if len(raw) != len(ID{}) {
		return ID{}, fmt.Errorf("group id must be %d bytes, got %d", len(ID{}), len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// String returns the canonical base64url form.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Role is a member's privilege level within a group.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleDefault
	RoleAdministrator
)

// String returns the protocol name of the role.
func (r Role) String() string {
	switch r {
	case RoleDefault:
		return "DEFAULT"
	case RoleAdministrator:
		return "ADMINISTRATOR"
	default:
		return "UNKNOWN"
	}
}

// ParseRole parses a protocol role name.
func ParseRole(s string) (Role, error) {
	switch s {
	case "DEFAULT":
		return RoleDefault, nil
	case "ADMINISTRATOR":
		return RoleAdministrator, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// AccessRequired is a per-action access policy: who may perform the
// guarded action.
type AccessRequired uint8

const (
	AccessUnknown AccessRequired = iota
	AccessAny
	AccessMember
	AccessAdministrator
	AccessUnsatisfiable
)

// String returns the protocol name of the access level.
func (a AccessRequired) String() string {
	switch a {
	case AccessAny:
		return "ANY"
	case AccessMember:
		return "MEMBER"
	case AccessAdministrator:
		return "ADMINISTRATOR"
	case AccessUnsatisfiable:
		return "UNSATISFIABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseAccessRequired parses a protocol access level name.
func ParseAccessRequired(s string) (AccessRequired, error) {
	switch s {
	case "ANY":
		return AccessAny, nil
	case "MEMBER":
		return AccessMember, nil
	case "ADMINISTRATOR":
		return AccessAdministrator, nil
	case "UNSATISFIABLE":
		return AccessUnsatisfiable, nil
	default:
		return AccessUnknown, fmt.Errorf("unknown access level %q", s)
	}
}

// EnabledState is a tri-state boolean used in change diffs where
// "unchanged" must be distinguishable from "set to false".
type EnabledState uint8

const (
	EnabledStateUnknown EnabledState = iota
	EnabledStateEnabled
	EnabledStateDisabled
)

// String returns the protocol name of the state.
func (e EnabledState) String() string {
	switch e {
	case EnabledStateEnabled:
		return "ENABLED"
	case EnabledStateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}
