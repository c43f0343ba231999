package group

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"reflect"
	"testing"

	"github.com/quietwire/groupd/pkg/identity"
)

func TestDeriveSecretParamsDeterministic(t *testing.T) {
	mk := MasterKey{1, 2, 3}
	a := DeriveSecretParams(mk)
	b := DeriveSecretParams(mk)

	if a.ID() != b.ID() {
		t.Error("group id derivation should be deterministic")
	}
	if !bytes.Equal(a.VerifyKey(), b.VerifyKey()) {
		t.Error("verify key derivation should be deterministic")
	}
	if a.ID() == DeriveSecretParams(MasterKey{4}).ID() {
		t.Error("different master keys should derive different ids")
	}
}

func TestChangeRecordRoundTrip(t *testing.T) {
	mk := newMK(t)
	params := DeriveSecretParams(mk)
	title := "round trip"
	change := Change{
		Editor:   identity.NewServiceID(),
		Revision: 12,
		NewTitle: &title,
		NewBannedMembers: []BannedMember{
			{Service: identity.NewServiceID(), BannedAt: 1234},
		},
	}

	rec, err := DefaultProvider.BuildChange(params, change)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Revision != 12 {
		t.Error("record should carry the change revision in the clear")
	}

	got, err := DecodeChange(mk, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, change) {
		t.Errorf("decoded change differs:\n got %+v\nwant %+v", got, change)
	}

	// Decoding is pure; a second decode yields the same result.
	again, err := DecodeChange(mk, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(again, got) {
		t.Error("repeated decode should be identical")
	}
}

func TestDecodeChangeRejectsTampering(t *testing.T) {
	mk := newMK(t)
	params := DeriveSecretParams(mk)
	title := "original"
	rec, err := DefaultProvider.BuildChange(params, Change{Editor: identity.NewServiceID(), Revision: 3, NewTitle: &title})
	if err != nil {
		t.Fatal(err)
	}

	var verification *VerificationError

	tampered := rec
	tampered.Ciphertext = bytes.Clone(rec.Ciphertext)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0x01
	if _, err := DecodeChange(mk, tampered); !errors.As(err, &verification) {
		t.Errorf("ciphertext tampering should fail verification, got %v", err)
	}

	tampered = rec
	tampered.Revision = 4
	if _, err := DecodeChange(mk, tampered); !errors.As(err, &verification) {
		t.Errorf("revision tampering should fail verification, got %v", err)
	}

	tampered = rec
	tampered.Signature = bytes.Clone(rec.Signature)
	tampered.Signature[0] ^= 0x01
	if _, err := DecodeChange(mk, tampered); !errors.As(err, &verification) {
		t.Errorf("signature tampering should fail verification, got %v", err)
	}

	// The wrong master key cannot decode at all.
	if _, err := DecodeChange(newMK(t), rec); !errors.As(err, &verification) {
		t.Errorf("foreign key should fail verification, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	mk := newMK(t)
	params := DeriveSecretParams(mk)
	snap := baseSnapshot(9, member(identity.NewServiceID(), RoleAdministrator))
	snap.PendingMembers = []PendingMember{{
		Service: identity.NewServiceID(), InvitedBy: snap.Members[0].Service,
		Role: RoleDefault, InvitedAtRevision: 8, InviteToken: []byte("tok"),
	}}

	ws, err := DefaultProvider.EncryptSnapshot(params, snap)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DefaultProvider.DecryptSnapshot(params, ws)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Errorf("decrypted snapshot differs:\n got %+v\nwant %+v", got, snap)
	}
}

func TestInviteTokenPerRecipient(t *testing.T) {
	params := DeriveSecretParams(newMK(t))
	a := identity.NewServiceID()
	b := identity.NewServiceID()

	if !bytes.Equal(params.InviteToken(a), params.InviteToken(a)) {
		t.Error("token derivation should be deterministic")
	}
	if bytes.Equal(params.InviteToken(a), params.InviteToken(b)) {
		t.Error("tokens should differ per recipient")
	}
}

func TestSealOpenInvite(t *testing.T) {
	mk := newMK(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := SealInvite(mk, pub)
	if err != nil {
		t.Fatal(err)
	}
	got, err := OpenInvite(sealed, priv)
	if err != nil {
		t.Fatal(err)
	}
	if got != mk {
		t.Error("opened invite should recover the master key")
	}

	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	if _, err := OpenInvite(sealed, otherPriv); err == nil {
		t.Error("the wrong recipient key should not open the invite")
	}
}
