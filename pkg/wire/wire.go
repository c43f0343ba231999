// Package wire defines the serialization boundary of groupd: the opaque
// encrypted artifacts exchanged with the group storage service and the
// CBOR codec used for everything that crosses a process boundary.
//
// The group core never inspects the ciphertext fields here; it hands
// them to the crypto provider and works with decrypted values. Version-
// specific shaping stays in this package so the core remains
// schema-agnostic.
package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// logical value always produces identical bytes, which matters because
// signatures are computed over encoded payloads.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.CoreDetEncOptions()
	encOpts.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Format versions. Bumped only when the encrypted payload layout
// changes incompatibly.
const (
	SnapshotVersion = 1
	RecordVersion   = 1
)

// EncryptedSnapshot is the full group state at one revision as held by
// the server: ciphertext only, decryptable solely with the group's
// secret parameters.
type EncryptedSnapshot struct {
	Version    uint8  `cbor:"v"`
	Ciphertext []byte `cbor:"c"`
}

// IsZero reports whether the snapshot is unset.
func (s EncryptedSnapshot) IsZero() bool {
	return s.Version == 0 && len(s.Ciphertext) == 0
}

// ChangeRecord is the server-ordered artifact describing one accepted
// mutation between two consecutive revisions. Revision is visible in
// the envelope (the server orders the log by it); everything else about
// the change, including the editor, lives in the ciphertext. Signature
// covers Version, Revision, and Ciphertext and is produced with the
// group's signing key, so any member can verify a record received
// peer-to-peer without trusting the relay.
type ChangeRecord struct {
	Version    uint8  `cbor:"v"`
	Revision   uint64 `cbor:"r"`
	Ciphertext []byte `cbor:"c"`
	Signature  []byte `cbor:"s"`
}

// IsZero reports whether the record is unset.
func (r ChangeRecord) IsZero() bool {
	return r.Version == 0 && len(r.Ciphertext) == 0
}

// SigningPayload returns the bytes covered by a record's signature.
func (r ChangeRecord) SigningPayload() ([]byte, error) {
	return Marshal(struct {
		Version    uint8  `cbor:"v"`
		Revision   uint64 `cbor:"r"`
		Ciphertext []byte `cbor:"c"`
	}{r.Version, r.Revision, r.Ciphertext})
}

// EncryptedJoinInfo is the invite-link preview blob: enough group state
// for a prospective member to decide whether to join, encrypted to the
// same group key material (link holders know the master key from the
// link itself).
type EncryptedJoinInfo struct {
	Version    uint8  `cbor:"v"`
	Ciphertext []byte `cbor:"c"`
}
