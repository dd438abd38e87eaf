package file

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

func testBlob(t *testing.T) *Blob {
	t.Helper()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	b := testBlob(t)
	ctx := context.Background()
	payload := []byte(`{"session":"s-1"}`)

	if err := b.Put(ctx, "archive/s-1/2026-01-02T15:04:05Z.json", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, "archive/s-1/2026-01-02T15:04:05Z.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %s", got)
	}
}

func TestPutOverwrites(t *testing.T) {
	b := testBlob(t)
	ctx := context.Background()

	if err := b.Put(ctx, "a/b.json", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(ctx, "a/b.json", []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ := b.Get(ctx, "a/b.json")
	if string(got) != "v2" {
		t.Fatalf("payload = %s", got)
	}
}

func TestGetMissing(t *testing.T) {
	b := testBlob(t)
	if _, err := b.Get(context.Background(), "archive/ghost.json"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	b := testBlob(t)
	ctx := context.Background()

	if err := b.Put(ctx, "a.json", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Delete(ctx, "a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, "a.json"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	// Idempotent.
	if err := b.Delete(ctx, "a.json"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestListByPrefix(t *testing.T) {
	b := testBlob(t)
	ctx := context.Background()

	for _, p := range []string{
		"archive/s-1/one.json",
		"archive/s-1/two.json",
		"archive/s-2/other.json",
	} {
		if err := b.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", p, err)
		}
	}

	paths, err := b.List(ctx, "archive/s-1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 2 || paths[0] != "archive/s-1/one.json" || paths[1] != "archive/s-1/two.json" {
		t.Fatalf("paths = %v", paths)
	}

	all, err := b.List(ctx, "archive/")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %v", all)
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	b := testBlob(t)
	ctx := context.Background()

	for _, p := range []string{"../outside.json", "/etc/passwd", "a/../../b"} {
		if err := b.Put(ctx, p, []byte("x")); err == nil {
			t.Fatalf("Put(%q) accepted", p)
		}
		if _, err := b.Get(ctx, p); err == nil || errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Get(%q) err = %v, want path rejection", p, err)
		}
	}
}
