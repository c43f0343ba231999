package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quietwire/groupd/pkg/group"
)

func TestGetGroupServedLocally(t *testing.T) {
	f := newFixture(t)

	snap, err := f.daemon.GetGroup(context.Background(), f.id, 1)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("revision = %d, want 1", snap.Revision)
	}
	if f.server.snapshotCalls != 0 || f.server.historyCalls != 0 {
		t.Fatalf("network calls = (%d, %d), want none", f.server.snapshotCalls, f.server.historyCalls)
	}
}

func TestGetGroupSynchronizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	title2, title3 := "ops 2", "ops 3"
	f.server.advance(t, group.Change{Editor: f.bob, NewTitle: &title2})
	f.server.advance(t, group.Change{Editor: f.bob, NewTitle: &title3})

	snap, err := f.daemon.GetGroup(ctx, f.id, 3)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if snap.Revision != 3 || snap.Title != "ops 3" {
		t.Fatalf("snapshot = (%d, %q), want (3, ops 3)", snap.Revision, snap.Title)
	}
	if f.server.snapshotCalls != 0 {
		t.Fatal("catch-up within history should replay, not full-fetch")
	}

	st, err := f.store.Get(ctx, f.id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if st.Snapshot.Revision != 3 {
		t.Fatalf("committed revision = %d, want 3", st.Snapshot.Revision)
	}

	if got := testutil.ToFloat64(f.metrics.RecordsReplayed.WithLabelValues("applied")); got != 2 {
		t.Fatalf("records replayed = %v, want 2", got)
	}
}

func TestGetGroupUnknown(t *testing.T) {
	f := newFixture(t)

	var unknown group.ID
	unknown[0] = 0xff
	_, err := f.daemon.GetGroup(context.Background(), unknown, group.RevisionLatest)
	if !errors.Is(err, group.ErrUnknownGroup) {
		t.Fatalf("GetGroup error = %v, want ErrUnknownGroup", err)
	}
}

func TestMutateTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	title := "ops reloaded"
	res, err := f.daemon.Mutate(ctx, f.id, group.Intent{Title: &title})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if res.Snapshot.Revision != 2 || res.Snapshot.Title != title {
		t.Fatalf("result = (%d, %q)", res.Snapshot.Revision, res.Snapshot.Title)
	}
	if f.server.head.Title != title {
		t.Fatalf("server title = %q, want %q", f.server.head.Title, title)
	}

	st, err := f.store.Get(ctx, f.id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if st.Snapshot.Revision != 2 {
		t.Fatalf("committed revision = %d, want 2", st.Snapshot.Revision)
	}
}

func TestMutateConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Land a competing change between the daemon's resolve and submit.
	raced := false
	d, err := New(Config{
		Store: f.store,
		Transport: &racingTransport{fakeServer: f.server, beforeSubmit: func() {
			if !raced {
				raced = true
				sniped := "sniped"
				f.server.advance(t, group.Change{Editor: f.bob, NewTitle: &sniped})
			}
		}},
		Identities:     addrBook{},
		Self:           f.self,
		SelfProfileKey: []byte("self-pk"),
		Metrics:        f.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	title := "mine"
	_, err = d.Mutate(ctx, f.id, group.Intent{Title: &title})

	var conflict *group.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Mutate error = %v, want ConflictError", err)
	}
	if conflict.ServerRevision != 2 {
		t.Fatalf("ServerRevision = %d, want 2", conflict.ServerRevision)
	}
	if got := testutil.ToFloat64(f.metrics.Conflicts); got != 1 {
		t.Fatalf("conflict counter = %v, want 1", got)
	}

	// A deliberate re-apply against the refreshed state succeeds.
	res, err := d.Mutate(ctx, f.id, group.Intent{Title: &title})
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if res.Snapshot.Revision != 3 {
		t.Fatalf("re-applied revision = %d, want 3", res.Snapshot.Revision)
	}
}

func TestHandleNotificationAlreadyCurrent(t *testing.T) {
	f := newFixture(t)

	snap, refreshed, err := f.daemon.HandleNotification(context.Background(), f.id, 1)
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if refreshed {
		t.Fatal("revision-equal notification should not refresh")
	}
	if snap.Revision != 1 {
		t.Fatalf("revision = %d, want 1", snap.Revision)
	}
	if f.server.snapshotCalls+f.server.historyCalls != 0 {
		t.Fatal("no network traffic expected")
	}
}

func TestHandleNotificationRefreshes(t *testing.T) {
	f := newFixture(t)

	title := "moved on"
	f.server.advance(t, group.Change{Editor: f.bob, NewTitle: &title})

	snap, refreshed, err := f.daemon.HandleNotification(context.Background(), f.id, 2)
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if !refreshed {
		t.Fatal("expected a refresh")
	}
	if snap.Revision != 2 || snap.Title != title {
		t.Fatalf("snapshot = (%d, %q)", snap.Revision, snap.Title)
	}
}

func TestHandleNotificationEviction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.notInGroup = true
	_, _, err := f.daemon.HandleNotification(ctx, f.id, 5)
	if !errors.Is(err, group.ErrNotInGroup) {
		t.Fatalf("HandleNotification error = %v, want ErrNotInGroup", err)
	}

	if _, err := f.store.Get(ctx, f.id); !errors.Is(err, group.ErrUnknownGroup) {
		t.Fatalf("store.Get after eviction = %v, want ErrUnknownGroup", err)
	}
}

func TestDecodeIncomingChange(t *testing.T) {
	f := newFixture(t)

	title := "from a peer"
	f.server.advance(t, group.Change{Editor: f.bob, NewTitle: &title})

	change, err := f.daemon.DecodeIncomingChange(context.Background(), f.id, f.server.records[2])
	if err != nil {
		t.Fatalf("DecodeIncomingChange: %v", err)
	}
	if change.Revision != 2 || change.NewTitle == nil || *change.NewTitle != title {
		t.Fatalf("decoded change = %+v", change)
	}

	// Decoding must not have advanced local state.
	st, err := f.store.Get(context.Background(), f.id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if st.Snapshot.Revision != 1 {
		t.Fatalf("local revision = %d, want 1", st.Snapshot.Revision)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.Delete(ctx, f.id); err != nil {
		t.Fatalf("store.Delete: %v", err)
	}

	snap, err := f.daemon.Register(ctx, f.mk)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if snap.Revision != 1 {
		t.Fatalf("revision = %d, want 1", snap.Revision)
	}
	if _, err := f.store.Get(ctx, f.id); err != nil {
		t.Fatalf("store.Get after Register: %v", err)
	}
}
