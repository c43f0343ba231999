package group

import (
	"crypto/ed25519"
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/quietwire/groupd/pkg/identity"
	"github.com/quietwire/groupd/pkg/wire"
)

// SecretParams is the key material derived from a group's master key:
// the group identifier, the signing keypair for change records, the
// state encryption key, and the key for deriving invite tokens. All
// holders of the master key derive identical parameters.
type SecretParams struct {
	master   MasterKey
	id       ID
	signKey  ed25519.PrivateKey
	encKey   []byte
	tokenKey []byte
}

// DeriveSecretParams expands a master key into the group's secret
// parameters.
func DeriveSecretParams(mk MasterKey) SecretParams {
	expand := func(info string, n int) []byte {
		out, err := hkdf.Key(sha256.New, mk[:], nil, info, n)
		if err != nil {
			panic("derive group secret params: " + err.Error())
		}
		return out
	}
	return SecretParams{
		master:   mk,
		id:       DeriveID(mk),
		signKey:  ed25519.NewKeyFromSeed(expand("groupd/v1/sign-seed", ed25519.SeedSize)),
		encKey:   expand("groupd/v1/state-key", chacha20poly1305.KeySize),
		tokenKey: expand("groupd/v1/token-key", 32),
	}
}

// ID returns the group identifier.
func (p SecretParams) ID() ID { return p.id }

// MasterKey returns the master key the parameters were derived from.
func (p SecretParams) MasterKey() MasterKey { return p.master }

// VerifyKey returns the public key that change record signatures verify
// against.
func (p SecretParams) VerifyKey() ed25519.PublicKey {
	return p.signKey.Public().(ed25519.PublicKey)
}

// InviteToken derives the invite-specific revocation token for a
// service identifier. The token is deterministic so any member can
// recompute it, but reveals nothing about the identifier to a party
// without the group keys.
func (p SecretParams) InviteToken(sid identity.ServiceID) []byte {
	mac := hmac.New(sha256.New, p.tokenKey)
	mac.Write([]byte("invite-token"))
	mac.Write(sid[:])
	return mac.Sum(nil)
}

// Provider builds, decrypts, and verifies the opaque artifacts in
// pkg/wire. The synchronization core treats it as a pure function
// library and never touches raw key material itself.
type Provider interface {
	// BuildChange encrypts and signs a change into a submittable record.
	BuildChange(params SecretParams, change Change) (wire.ChangeRecord, error)

	// DecryptChange verifies a record's signature and decrypts it.
	// Returns *VerificationError when the record does not validate.
	DecryptChange(params SecretParams, rec wire.ChangeRecord) (Change, error)

	// EncryptSnapshot encrypts a snapshot for storage or transmission.
	EncryptSnapshot(params SecretParams, snap Snapshot) (wire.EncryptedSnapshot, error)

	// DecryptSnapshot decrypts and structurally validates a wire
	// snapshot. Returns *VerificationError when it does not validate.
	DecryptSnapshot(params SecretParams, ws wire.EncryptedSnapshot) (Snapshot, error)

	// DecryptJoinInfo decrypts an invite-link preview blob.
	DecryptJoinInfo(params SecretParams, ji wire.EncryptedJoinInfo) (JoinInfo, error)
}

// StandardProvider is the concrete Provider: XChaCha20-Poly1305 for
// state encryption, Ed25519 for record signatures.
type StandardProvider struct{}

// DefaultProvider is the provider used when none is configured.
var DefaultProvider Provider = StandardProvider{}

const (
	aadRecord   = "groupd/v1/record"
	aadSnapshot = "groupd/v1/snapshot"
	aadJoinInfo = "groupd/v1/join-info"
)

func (StandardProvider) seal(params SecretParams, domain string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(params.encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	aad := append([]byte(domain), params.id[:]...)
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (StandardProvider) open(params SecretParams, domain string, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(params.encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	aad := append([]byte(domain), params.id[:]...)
	return aead.Open(nil, nonce, sealed, aad)
}

// BuildChange implements Provider.
func (p StandardProvider) BuildChange(params SecretParams, change Change) (wire.ChangeRecord, error) {
	plaintext, err := wire.Marshal(change)
	if err != nil {
		return wire.ChangeRecord{}, fmt.Errorf("encode change: %w", err)
	}
	ciphertext, err := p.seal(params, aadRecord, plaintext)
	if err != nil {
		return wire.ChangeRecord{}, fmt.Errorf("encrypt change: %w", err)
	}
	rec := wire.ChangeRecord{
		Version:    wire.RecordVersion,
		Revision:   change.Revision,
		Ciphertext: ciphertext,
	}
	payload, err := rec.SigningPayload()
	if err != nil {
		return wire.ChangeRecord{}, fmt.Errorf("encode signing payload: %w", err)
	}
	rec.Signature = ed25519.Sign(params.signKey, payload)
	return rec, nil
}

// DecryptChange implements Provider.
func (p StandardProvider) DecryptChange(params SecretParams, rec wire.ChangeRecord) (Change, error) {
	if rec.Version != wire.RecordVersion {
		return Change{}, &VerificationError{Reason: fmt.Sprintf("unsupported record version %d", rec.Version)}
	}
	payload, err := rec.SigningPayload()
	if err != nil {
		return Change{}, fmt.Errorf("encode signing payload: %w", err)
	}
	if !ed25519.Verify(params.VerifyKey(), payload, rec.Signature) {
		return Change{}, &VerificationError{Reason: "change record signature invalid"}
	}
	plaintext, err := p.open(params, aadRecord, rec.Ciphertext)
	if err != nil {
		return Change{}, &VerificationError{Reason: "change record does not decrypt", Err: err}
	}
	var change Change
	if err := wire.Unmarshal(plaintext, &change); err != nil {
		return Change{}, &VerificationError{Reason: "change record malformed", Err: err}
	}
	if change.Revision != rec.Revision {
		return Change{}, &VerificationError{Reason: fmt.Sprintf("envelope revision %d does not match decrypted revision %d", rec.Revision, change.Revision)}
	}
	return change, nil
}

// EncryptSnapshot implements Provider.
func (p StandardProvider) EncryptSnapshot(params SecretParams, snap Snapshot) (wire.EncryptedSnapshot, error) {
	plaintext, err := wire.Marshal(snap)
	if err != nil {
		return wire.EncryptedSnapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	ciphertext, err := p.seal(params, aadSnapshot, plaintext)
	if err != nil {
		return wire.EncryptedSnapshot{}, fmt.Errorf("encrypt snapshot: %w", err)
	}
	return wire.EncryptedSnapshot{Version: wire.SnapshotVersion, Ciphertext: ciphertext}, nil
}

// DecryptSnapshot implements Provider.
func (p StandardProvider) DecryptSnapshot(params SecretParams, ws wire.EncryptedSnapshot) (Snapshot, error) {
	if ws.Version != wire.SnapshotVersion {
		return Snapshot{}, &VerificationError{Reason: fmt.Sprintf("unsupported snapshot version %d", ws.Version)}
	}
	plaintext, err := p.open(params, aadSnapshot, ws.Ciphertext)
	if err != nil {
		return Snapshot{}, &VerificationError{Reason: "snapshot does not decrypt", Err: err}
	}
	var snap Snapshot
	if err := wire.Unmarshal(plaintext, &snap); err != nil {
		return Snapshot{}, &VerificationError{Reason: "snapshot malformed", Err: err}
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, &VerificationError{Reason: "snapshot violates membership invariants", Err: err}
	}
	return snap, nil
}

// DecryptJoinInfo implements Provider.
func (p StandardProvider) DecryptJoinInfo(params SecretParams, ji wire.EncryptedJoinInfo) (JoinInfo, error) {
	plaintext, err := p.open(params, aadJoinInfo, ji.Ciphertext)
	if err != nil {
		return JoinInfo{}, &VerificationError{Reason: "join info does not decrypt", Err: err}
	}
	var info JoinInfo
	if err := wire.Unmarshal(plaintext, &info); err != nil {
		return JoinInfo{}, &VerificationError{Reason: "join info malformed", Err: err}
	}
	return info, nil
}

// EncryptJoinInfo encrypts an invite-link preview blob. Used by the
// test fake of the storage service; real servers construct these from
// member-submitted state.
func (p StandardProvider) EncryptJoinInfo(params SecretParams, info JoinInfo) (wire.EncryptedJoinInfo, error) {
	plaintext, err := wire.Marshal(info)
	if err != nil {
		return wire.EncryptedJoinInfo{}, fmt.Errorf("encode join info: %w", err)
	}
	ciphertext, err := p.seal(params, aadJoinInfo, plaintext)
	if err != nil {
		return wire.EncryptedJoinInfo{}, fmt.Errorf("encrypt join info: %w", err)
	}
	return wire.EncryptedJoinInfo{Version: wire.SnapshotVersion, Ciphertext: ciphertext}, nil
}

// SealInvite encrypts a group master key to an invitee's Ed25519 public
// key, for inclusion in the invite notification. Output format:
// ephemeralPub(32) || nonce(24) || ciphertext, using NaCl box (X25519 +
// XSalsa20-Poly1305) over the converted key.
func SealInvite(mk MasterKey, recipientPub ed25519.PublicKey) ([]byte, error) {
	recipientX, err := edToX25519Public(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("convert recipient key: %w", err)
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 32+24)
	copy(out[:32], ephPub[:])
	copy(out[32:56], nonce[:])
	out = box.Seal(out, mk[:], &nonce, &recipientX, ephPriv)
	return out, nil
}

// OpenInvite decrypts a sealed invite using the invitee's Ed25519
// private key, recovering the group master key.
func OpenInvite(sealed []byte, recipientPriv ed25519.PrivateKey) (MasterKey, error) {
	if len(sealed) < 32+24+box.Overhead {
		return MasterKey{}, errors.New("sealed invite too short")
	}

	var ephPub [32]byte
	copy(ephPub[:], sealed[:32])
	var nonce [24]byte
	copy(nonce[:], sealed[32:56])
	ciphertext := sealed[56:]

	recipientX := edToX25519Private(recipientPriv.Seed())
	plaintext, ok := box.Open(nil, ciphertext, &nonce, &ephPub, &recipientX)
	if !ok {
		return MasterKey{}, errors.New("invite decryption failed")
	}
	return MasterKeyFromBytes(plaintext)
}

// edToX25519Private converts an Ed25519 seed to an X25519 private key:
// SHA-512(seed)[:32] with RFC 7748 clamping.
func edToX25519Private(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var priv [32]byte
	copy(priv[:], h[:32])
	return priv
}

// edToX25519Public converts an Ed25519 public key to an X25519 public
// key via the birational map from Edwards to Montgomery form.
func edToX25519Public(pub ed25519.PublicKey) ([32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return *(*[32]byte)(p.BytesMontgomery()), nil
}
