package group

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/quietwire/groupd/pkg/identity"
	"github.com/quietwire/groupd/pkg/wire"
)

// memStore is a minimal Store for tests, honoring the monotonic upsert
// contract.
type memStore struct {
	mu      sync.Mutex
	groups  map[ID]State
	deletes int
}

func newMemStore() *memStore { return &memStore{groups: map[ID]State{}} }

func (s *memStore) Get(_ context.Context, id ID) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.groups[id]
	if !ok {
		return State{}, ErrUnknownGroup
	}
	return st, nil
}

func (s *memStore) Upsert(_ context.Context, id ID, st State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.groups[id]; ok && st.Snapshot.Revision <= cur.Snapshot.Revision {
		return false, nil
	}
	s.groups[id] = st
	return true, nil
}

func (s *memStore) Delete(_ context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	s.deletes++
	return nil
}

// testServer is a scriptable group storage service. It keeps plaintext
// snapshots and signed records server-side, pages history, and can be
// configured to drop records (log gaps), truncate history, deny
// membership, or return full snapshots with accepted changes.
type testServer struct {
	mu       sync.Mutex
	params   SecretParams
	provider StandardProvider

	snaps   []Snapshot
	records map[uint64]wire.ChangeRecord

	pageSize       int
	drop           map[uint64]bool
	truncate       uint64
	notInGroup     bool
	linkInactive   bool
	returnSnapshot bool
	embedSnapshot  bool
	joinInfo       JoinInfo
	avatars        map[string][]byte

	snapshotCalls int
	historyCalls  int
	submitCalls   int
}

func newTestServer(mk MasterKey, initial Snapshot) *testServer {
	return &testServer{
		params:   DeriveSecretParams(mk),
		snaps:    []Snapshot{initial},
		records:  map[uint64]wire.ChangeRecord{},
		pageSize: 10,
		drop:     map[uint64]bool{},
		avatars:  map[string][]byte{},
	}
}

func (s *testServer) head() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[len(s.snaps)-1]
}

// advance applies a change server-side, as if another client had
// submitted it.
func (s *testServer) advance(t *testing.T, c Change) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.snaps[len(s.snaps)-1]
	if c.Revision == 0 {
		c.Revision = head.Revision + 1
	}
	rec, err := s.provider.BuildChange(s.params, c)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	next, err := Apply(head, c)
	if err != nil {
		t.Fatalf("advance to revision %d: %v", c.Revision, err)
	}
	s.snaps = append(s.snaps, next)
	s.records[c.Revision] = rec
}

func (s *testServer) SubmitChange(_ context.Context, _ ID, rec wire.ChangeRecord) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls++
	head := s.snaps[len(s.snaps)-1]
	if rec.Revision != head.Revision+1 {
		return SubmitResult{}, &ConflictError{ServerRevision: head.Revision}
	}
	change, err := s.provider.DecryptChange(s.params, rec)
	if err != nil {
		return SubmitResult{}, err
	}
	next, err := Apply(head, change)
	if err != nil {
		return SubmitResult{}, err
	}
	s.snaps = append(s.snaps, next)
	s.records[change.Revision] = rec

	res := SubmitResult{Record: rec}
	if s.returnSnapshot {
		res.Snapshot, err = s.provider.EncryptSnapshot(s.params, next)
		if err != nil {
			return SubmitResult{}, err
		}
	}
	return res, nil
}

func (s *testServer) FetchSnapshot(_ context.Context, _ ID, revision uint64) (wire.EncryptedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	if s.notInGroup {
		return wire.EncryptedSnapshot{}, ErrNotInGroup
	}
	if revision == RevisionLatest {
		return s.provider.EncryptSnapshot(s.params, s.snaps[len(s.snaps)-1])
	}
	for _, snap := range s.snaps {
		if snap.Revision == revision {
			return s.provider.EncryptSnapshot(s.params, snap)
		}
	}
	return wire.EncryptedSnapshot{}, ErrUnknownGroup
}

func (s *testServer) FetchHistory(_ context.Context, _ ID, from uint64, token string) (HistoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	if s.notInGroup {
		return HistoryPage{}, ErrNotInGroup
	}

	start := from
	if token != "" {
		parsed, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return HistoryPage{}, fmt.Errorf("bad continuation token %q", token)
		}
		start = parsed
	}
	limit := s.snaps[len(s.snaps)-1].Revision
	if s.truncate > 0 && s.truncate < limit {
		limit = s.truncate
	}

	var revs []uint64
	for rev := start; rev <= limit; rev++ {
		if rec, ok := s.records[rev]; ok && !s.drop[rev] && !rec.IsZero() {
			revs = append(revs, rev)
		}
	}
	page := revs
	if len(page) > s.pageSize {
		page = revs[:s.pageSize]
	}

	out := HistoryPage{HasMore: len(revs) > len(page)}
	for i, rev := range page {
		entry := HistoryEntry{Record: s.records[rev]}
		if s.embedSnapshot && i == 0 {
			for _, snap := range s.snaps {
				if snap.Revision == rev {
					ws, err := s.provider.EncryptSnapshot(s.params, snap)
					if err != nil {
						return HistoryPage{}, err
					}
					entry.Snapshot = &ws
				}
			}
		}
		out.Entries = append(out.Entries, entry)
	}
	if out.HasMore {
		out.ContinuationToken = strconv.FormatUint(page[len(page)-1]+1, 10)
	}
	return out, nil
}

func (s *testServer) FetchJoinInfo(_ context.Context, _ ID, _ []byte) (wire.EncryptedJoinInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkInactive {
		return wire.EncryptedJoinInfo{}, ErrLinkInactive
	}
	return s.provider.EncryptJoinInfo(s.params, s.joinInfo)
}

func (s *testServer) UploadAvatar(_ context.Context, _ ID, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := fmt.Sprintf("avatars/%d", len(s.avatars)+1)
	s.avatars[ref] = data
	return ref, nil
}

func (s *testServer) DownloadAvatar(_ context.Context, _ ID, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.avatars[ref]
	if !ok {
		return nil, fmt.Errorf("no avatar %q", ref)
	}
	return data, nil
}

// staticResolver maps phone numbers to service identifiers. Identifiers
// listed in unregistered fail resolution even when supplied explicitly,
// as a deactivated account would.
type staticResolver struct {
	byNumber     map[string]identity.ServiceID
	unregistered map[identity.ServiceID]bool
}

func (r staticResolver) Resolve(_ context.Context, addr identity.Address) (identity.ServiceID, error) {
	if addr.HasServiceID() {
		if r.unregistered[addr.Service] {
			return identity.NilServiceID, identity.ErrUnregistered
		}
		return addr.Service, nil
	}
	if sid, ok := r.byNumber[addr.Number]; ok {
		if r.unregistered[sid] {
			return identity.NilServiceID, identity.ErrUnregistered
		}
		return sid, nil
	}
	return identity.NilServiceID, identity.ErrUnregistered
}

func newMK(t *testing.T) MasterKey {
	t.Helper()
	mk, err := NewMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	return mk
}

func sidAddr(sid identity.ServiceID) identity.Address {
	return identity.Address{Service: sid}
}

func member(sid identity.ServiceID, role Role) Member {
	return Member{Service: sid, Role: role, ProfileKey: []byte("pk-" + sid.String()[:8]), JoinedAtRevision: 1}
}

func baseSnapshot(rev uint64, members ...Member) Snapshot {
	return Snapshot{
		Revision: rev,
		Title:    "ops",
		Members:  members,
		AccessControl: AccessControl{
			Attributes: AccessMember,
			Members:    AccessMember,
			InviteLink: AccessUnsatisfiable,
		},
	}
}
