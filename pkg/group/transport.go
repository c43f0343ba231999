package group

import (
	"context"

	"github.com/quietwire/groupd/pkg/wire"
)

// RevisionLatest requests the newest revision the server has.
const RevisionLatest = ^uint64(0)

// SubmitResult is a successful change submission: the accepted signed
// record and, when the server returns one, the resulting full snapshot.
type SubmitResult struct {
	Record   wire.ChangeRecord
	Snapshot wire.EncryptedSnapshot
}

// HistoryEntry is one step of the server's per-group change log: the
// change record for a revision and, optionally, the full state at that
// revision (servers include it for the first entry of a page when the
// requester cannot see earlier history).
type HistoryEntry struct {
	Record   wire.ChangeRecord
	Snapshot *wire.EncryptedSnapshot
}

// HistoryPage is one page of change history. ContinuationToken is
// opaque; it is passed back verbatim to fetch the next page while
// HasMore is true.
type HistoryPage struct {
	Entries           []HistoryEntry
	ContinuationToken string
	HasMore           bool
}

// Transport is the group storage service endpoint. Everything it
// carries is ciphertext; implementations handle authentication,
// framing, and error mapping but never see plaintext group state.
//
// Errors: SubmitChange returns *ConflictError when the change no longer
// applies to the server's revision; FetchSnapshot and FetchHistory
// return ErrNotInGroup when the server reports the account is not a
// member, and ErrUnknownGroup when the group does not exist;
// FetchJoinInfo returns ErrLinkInactive when the invite link is
// disabled. Timeouts and cancellation come from ctx; a timed-out
// submission has unknown outcome and must be followed by a re-resolve,
// never a blind retry.
type Transport interface {
	SubmitChange(ctx context.Context, id ID, rec wire.ChangeRecord) (SubmitResult, error)
	FetchSnapshot(ctx context.Context, id ID, revision uint64) (wire.EncryptedSnapshot, error)
	FetchHistory(ctx context.Context, id ID, fromRevision uint64, token string) (HistoryPage, error)
	FetchJoinInfo(ctx context.Context, id ID, password []byte) (wire.EncryptedJoinInfo, error)
	UploadAvatar(ctx context.Context, id ID, data []byte) (string, error)
	DownloadAvatar(ctx context.Context, id ID, ref string) ([]byte, error)
}
