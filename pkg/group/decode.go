package group

import "github.com/quietwire/groupd/pkg/wire"

// DecodeChange verifies a change record's signature against the group's
// derived verification key and decrypts it into its structured form.
//
// It is a pure read: no local or remote state is consulted or modified,
// and decoding the same record twice yields the same change. Records
// arriving peer-to-peer are decoded with this before anyone decides
// whether to fetch or apply anything.
func DecodeChange(mk MasterKey, rec wire.ChangeRecord) (Change, error) {
	return DefaultProvider.DecryptChange(DeriveSecretParams(mk), rec)
}
