package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"

	"cascadecore/internal/blob/core"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "archive")
	s, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Driver() != core.DriverFilesystem || s.Root() != root {
		t.Fatalf("unexpected store %s %s", s.Driver(), s.Root())
	}
	info, err := s.Put(ctx, "tombstones/OrganisationUnit/a/1.json", bytes.NewBufferString(`{"id":"a"}`), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"actor": "admin"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 10 || len(info.ETag) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := os.Stat(filepath.Join(root, "tombstones", "OrganisationUnit", "a", "1.json.meta")); err != nil {
		t.Fatalf("expected sidecar: %v", err)
	}
	got, rc, err := s.Get(ctx, "tombstones/OrganisationUnit/a/1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"id":"a"}` || got.ETag != info.ETag || got.Metadata["actor"] != "admin" {
		t.Fatalf("unexpected get %+v %q", got, body)
	}
	ok, err := s.Delete(ctx, "tombstones/OrganisationUnit/a/1.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := s.Head(ctx, "tombstones/OrganisationUnit/a/1.json"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if ok, err := s.Delete(ctx, "tombstones/OrganisationUnit/a/1.json"); err != nil || ok {
		t.Fatalf("expected missing delete: %v %v", ok, err)
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "x.meta"} {
		if _, err := s.Put(context.Background(), key, bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, errors.NotValid) {
			t.Errorf("key %q: expected not valid, got %v", key, err)
		}
	}
	if _, err := New(""); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected empty root to be rejected, got %v", err)
	}
}

func TestStoreCreateOnlyAndList(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, k := range []string{"b/2", "a/1", "b/1"} {
		if _, err := s.Put(ctx, k, bytes.NewBufferString(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if _, err := s.Put(ctx, "a/1", bytes.NewBufferString("again"), core.PutOptions{}); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	list, err := s.List(ctx, "b/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "b/1" || list[1].Key != "b/2" {
		t.Fatalf("unexpected list %+v", list)
	}
	if _, _, err := s.Get(ctx, "c/1"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
