package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/quietwire/groupd/internal/groupstore"
	"github.com/quietwire/groupd/internal/groupstore/physical/memory"
	"github.com/quietwire/groupd/internal/observability"
	"github.com/quietwire/groupd/pkg/group"
	"github.com/quietwire/groupd/pkg/identity"
	"github.com/quietwire/groupd/pkg/wire"
)

// fakeServer is an in-process group storage service for one group. A
// revision-zero submission for any other group is accepted as a
// creation.
type fakeServer struct {
	t        *testing.T
	provider group.StandardProvider

	mu           sync.Mutex
	params       group.SecretParams
	head         group.Snapshot
	haveState    bool
	records      map[uint64]wire.ChangeRecord
	created      map[group.ID]wire.ChangeRecord
	joinAccess   group.AccessRequired
	linkInactive bool
	notInGroup   bool

	avatars    map[string][]byte
	nextAvatar int

	snapshotCalls int
	historyCalls  int
	downloadCalls int
}

func newFakeServer(t *testing.T, mk group.MasterKey, initial group.Snapshot) *fakeServer {
	t.Helper()
	return &fakeServer{
		t:          t,
		params:     group.DeriveSecretParams(mk),
		head:       initial,
		haveState:  true,
		records:    make(map[uint64]wire.ChangeRecord),
		created:    make(map[group.ID]wire.ChangeRecord),
		joinAccess: group.AccessAny,
		avatars:    make(map[string][]byte),
	}
}

// advance applies a change as if another member submitted it.
func (s *fakeServer) advance(t *testing.T, c group.Change) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Revision = s.head.Revision + 1
	rec, err := s.provider.BuildChange(s.params, c)
	if err != nil {
		t.Fatalf("build change: %v", err)
	}
	next, err := group.Apply(s.head, c)
	if err != nil {
		t.Fatalf("apply change: %v", err)
	}
	s.head = next
	s.records[c.Revision] = rec
}

func (s *fakeServer) SubmitChange(_ context.Context, id group.ID, rec wire.ChangeRecord) (group.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveState || id != s.params.ID() {
		if rec.Revision != 0 {
			return group.SubmitResult{}, group.ErrUnknownGroup
		}
		s.created[id] = rec
		return group.SubmitResult{Record: rec}, nil
	}

	if rec.Revision != s.head.Revision+1 {
		return group.SubmitResult{}, &group.ConflictError{ServerRevision: s.head.Revision}
	}
	change, err := s.provider.DecryptChange(s.params, rec)
	if err != nil {
		return group.SubmitResult{}, err
	}
	next, err := group.Apply(s.head, change)
	if err != nil {
		return group.SubmitResult{}, err
	}
	s.head = next
	s.records[change.Revision] = rec
	return group.SubmitResult{Record: rec}, nil
}

func (s *fakeServer) FetchSnapshot(_ context.Context, id group.ID, _ uint64) (wire.EncryptedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshotCalls++
	if s.notInGroup {
		return wire.EncryptedSnapshot{}, group.ErrNotInGroup
	}
	return s.provider.EncryptSnapshot(s.params, s.head)
}

func (s *fakeServer) FetchHistory(_ context.Context, id group.ID, fromRevision uint64, _ string) (group.HistoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historyCalls++
	if s.notInGroup {
		return group.HistoryPage{}, group.ErrNotInGroup
	}
	var page group.HistoryPage
	for rev := fromRevision; rev <= s.head.Revision; rev++ {
		if rec, ok := s.records[rev]; ok {
			page.Entries = append(page.Entries, group.HistoryEntry{Record: rec})
		}
	}
	return page, nil
}

func (s *fakeServer) FetchJoinInfo(_ context.Context, id group.ID, _ []byte) (wire.EncryptedJoinInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.linkInactive {
		return wire.EncryptedJoinInfo{}, group.ErrLinkInactive
	}
	return s.provider.EncryptJoinInfo(s.params, group.JoinInfo{
		Revision:          s.head.Revision,
		Title:             s.head.Title,
		MemberCount:       len(s.head.Members),
		AddFromInviteLink: s.joinAccess,
	})
}

func (s *fakeServer) UploadAvatar(_ context.Context, _ group.ID, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAvatar++
	ref := fmt.Sprintf("avatars/%d", s.nextAvatar)
	s.avatars[ref] = data
	return ref, nil
}

func (s *fakeServer) DownloadAvatar(_ context.Context, _ group.ID, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloadCalls++
	data, ok := s.avatars[ref]
	if !ok {
		return nil, fmt.Errorf("no avatar %q", ref)
	}
	return data, nil
}

// racingTransport runs a callback before every submission, letting
// tests land competing changes deterministically.
type racingTransport struct {
	*fakeServer
	beforeSubmit func()
}

func (r *racingTransport) SubmitChange(ctx context.Context, id group.ID, rec wire.ChangeRecord) (group.SubmitResult, error) {
	if r.beforeSubmit != nil {
		r.beforeSubmit()
	}
	return r.fakeServer.SubmitChange(ctx, id, rec)
}

// addrBook resolves numbers it knows; explicit service identifiers pass
// through.
type addrBook map[string]identity.ServiceID

func (b addrBook) Resolve(_ context.Context, addr identity.Address) (identity.ServiceID, error) {
	if addr.HasServiceID() {
		return addr.Service, nil
	}
	if sid, ok := b[addr.Number]; ok {
		return sid, nil
	}
	return identity.NilServiceID, identity.ErrUnregistered
}

func newMK(t *testing.T) group.MasterKey {
	t.Helper()
	mk, err := group.NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	return mk
}

type fixture struct {
	daemon  *Daemon
	server  *fakeServer
	store   *groupstore.Store
	metrics *observability.Metrics
	mk      group.MasterKey
	id      group.ID
	self    identity.ServiceID
	bob     identity.ServiceID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	self := identity.NewServiceID()
	bob := identity.NewServiceID()
	mk := newMK(t)

	snap := group.Snapshot{
		Revision: 1,
		Title:    "ops",
		Members: []group.Member{
			{Service: self, Role: group.RoleAdministrator, ProfileKey: []byte("self-pk"), JoinedAtRevision: 1},
			{Service: bob, Role: group.RoleDefault, ProfileKey: []byte("bob-pk"), JoinedAtRevision: 1},
		},
		AccessControl: group.AccessControl{
			Attributes: group.AccessMember,
			Members:    group.AccessMember,
			InviteLink: group.AccessUnsatisfiable,
		},
	}

	server := newFakeServer(t, mk, snap)
	store := groupstore.New(memory.New(), nil, nil)
	id := group.DeriveID(mk)
	if _, err := store.Upsert(context.Background(), id, group.State{Master: mk, Snapshot: snap}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	metrics := observability.NewMetrics()
	d, err := New(Config{
		Store:          store,
		Transport:      server,
		Identities:     addrBook{},
		Self:           self,
		SelfProfileKey: []byte("self-pk"),
		Metrics:        metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &fixture{daemon: d, server: server, store: store, metrics: metrics, mk: mk, id: id, self: self, bob: bob}
}
