package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/juju/errors"

	"cascadecore/internal/blob/core"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	md := map[string]string{"actor": "admin"}
	info, err := s.Put(ctx, "tombstones/a.json", bytes.NewBufferString("{}"), core.PutOptions{ContentType: "application/json", Metadata: md})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	md["actor"] = "mutated"
	if info.Size != 2 || info.Metadata["actor"] != "admin" {
		t.Fatalf("unexpected info %+v", info)
	}
	got, rc, err := s.Get(ctx, "tombstones/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "{}" || got.ContentType != "application/json" || got.Metadata["actor"] != "admin" {
		t.Fatalf("unexpected get %+v %q", got, body)
	}
	if _, err := s.Head(ctx, "tombstones/a.json"); err != nil {
		t.Fatalf("head: %v", err)
	}
	ok, err := s.Delete(ctx, "tombstones/a.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, _ := s.Delete(ctx, "tombstones/a.json"); ok {
		t.Fatalf("expected second delete to report missing")
	}
}

func TestStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Put(ctx, " ", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected not valid, got %v", err)
	}
	if _, err := s.Put(ctx, "k", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "k", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.List(cancelled, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, k := range []string{"b/2", "a/1", "b/1"} {
		if _, err := s.Put(ctx, k, bytes.NewBufferString(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := s.List(ctx, "b/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "b/1" || list[1].Key != "b/2" {
		t.Fatalf("unexpected list %+v", list)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(all))
	}
}
