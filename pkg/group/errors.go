package group

import (
	"errors"
	"fmt"

	"github.com/quietwire/groupd/pkg/identity"
)

var (
	// ErrUnknownGroup indicates no local state exists for the group.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrNotInGroup indicates the server reports the account is not a
	// member; local state for the group is deleted when this surfaces.
	ErrNotInGroup = errors.New("not in group")

	// ErrLinkInactive indicates an operation that requires the invite
	// link while the link is disabled.
	ErrLinkInactive = errors.New("group invite link is not active")

	// ErrEmptyIntent indicates a mutation intent with no mutation set.
	ErrEmptyIntent = errors.New("mutation intent is empty")

	// ErrAmbiguousIntent indicates a mutation intent combining more
	// than one mutation kind. The change-action format carries exactly
	// one kind per submission.
	ErrAmbiguousIntent = errors.New("mutation intent sets more than one mutation kind")
)

// ConflictError reports that a submitted change no longer applies to
// the server's current revision. The caller may re-resolve and rebuild
// the mutation; nothing is retried automatically because the rebuilt
// intent may no longer be valid.
type ConflictError struct {
	// ServerRevision is the revision the server is at, when reported.
	ServerRevision uint64
}

func (e *ConflictError) Error() string {
	if e.ServerRevision == 0 {
		return "change conflicts with the server's current revision"
	}
	return fmt.Sprintf("change conflicts with server revision %d", e.ServerRevision)
}

// VerificationError reports that a change record or snapshot failed
// signature verification. Records may arrive peer-to-peer and must be
// treated as untrusted; replay aborts on the first verification
// failure.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed: %s: %v", e.Reason, e.Err)
	}
	return "verification failed: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

// UnresolvedIdentityError reports an address that could not be mapped
// to a stable service identifier. Surfaced as an invalid request, never
// retried.
type UnresolvedIdentityError struct {
	Address identity.Address
	Err     error
}

func (e *UnresolvedIdentityError) Error() string {
	return fmt.Sprintf("cannot resolve %s to a service id: %v", e.Address, e.Err)
}

func (e *UnresolvedIdentityError) Unwrap() error { return e.Err }

// IncompleteCatchUpError reports that incremental replay exhausted the
// available history without reaching the requested revision. Snapshot
// holds the partially-caught-up state, which was still committed to the
// store; callers may use it or force a full fetch.
type IncompleteCatchUpError struct {
	Reached  uint64
	Target   uint64
	Snapshot Snapshot
}

func (e *IncompleteCatchUpError) Error() string {
	return fmt.Sprintf("caught up to revision %d of requested %d", e.Reached, e.Target)
}
