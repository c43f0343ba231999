package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/quietwire/groupd/internal/groupstore/physical"
)

func TestPutGetDelete(t *testing.T) {
	b := New()
	ctx := context.Background()
	key := []byte("group-1")

	if _, err := b.Get(ctx, key); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := b.Put(ctx, &physical.Record{Key: key, Revision: 4, Value: []byte("state")}); err != nil {
		t.Fatal(err)
	}
	rec, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Revision != 4 || string(rec.Value) != "state" {
		t.Errorf("unexpected record %+v", rec)
	}

	// Returned records are copies.
	rec.Value[0] = 'X'
	rec2, _ := b.Get(ctx, key)
	if string(rec2.Value) != "state" {
		t.Error("stored value should be isolated from returned copies")
	}

	if err := b.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, key); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestList(t *testing.T) {
	b := New()
	ctx := context.Background()

	for _, k := range []string{"b", "a", "c"} {
		if err := b.Put(ctx, &physical.Record{Key: []byte(k), Revision: 1}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if string(recs[0].Key) != "a" || string(recs[2].Key) != "c" {
		t.Error("list should be key-ordered")
	}
}

func TestClosed(t *testing.T) {
	b := New()
	_ = b.Close()
	if err := b.Put(context.Background(), &physical.Record{Key: []byte("k")}); !errors.Is(err, physical.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
