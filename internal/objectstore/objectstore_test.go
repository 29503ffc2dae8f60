package objectstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "runs/run-1/digest.json", []byte(`{"ok":true}`), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "runs/run-1/digest.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("Get() = %q, want %q", got, `{"ok":true}`)
	}
}

func TestGet_MissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does/not/exist.json")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_MissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(context.Background(), "does/not/exist.json")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_RemovesObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "k", []byte("v"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete err = %v, want ErrNotFound", err)
	}
}

func TestList_FiltersByPrefixAndSortsKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"runs/run-1/artifacts/t2.json",
		"runs/run-1/artifacts/t1.json",
		"runs/run-1/digest.json",
		"runs/run-2/digest.json",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, []byte("x"), "application/json"); err != nil {
			t.Fatalf("Put(%q): %v", k, err)
		}
	}

	entries, err := s.List(ctx, "runs/run-1/artifacts/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Key != "runs/run-1/artifacts/t1.json" || entries[1].Key != "runs/run-1/artifacts/t2.json" {
		t.Errorf("entries out of order: %+v", entries)
	}
}

func TestPut_RecordsChecksumAndContentType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "blob", []byte("payload"), "application/octet-stream"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := s.List(ctx, "blob")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q, want application/octet-stream", entries[0].ContentType)
	}
	if entries[0].Checksum == "" {
		t.Error("expected non-empty checksum")
	}
}

func TestInvalidKeyRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(context.Background(), "../escape", []byte("x"), "text/plain"); err == nil {
		t.Error("expected error for path-traversal key")
	}
}

func TestOpen_CreatesBucketDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "bucket")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(context.Background(), "k", []byte("v"), "text/plain"); err != nil {
		t.Fatalf("Put after Open: %v", err)
	}
}
